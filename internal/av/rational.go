// Package av holds the media data model shared by the container, codec and
// pipeline packages: timebases, stream descriptors, packets and frames.
package av

import (
	"fmt"
	"math"
	"math/big"
)

// NoPTS marks an unknown timestamp. It survives rescaling unchanged.
const NoPTS int64 = math.MinInt64

// Rational is a fraction used as a timebase or a frame rate.
type Rational struct {
	Num int
	Den int
}

var (
	// TimeBaseMicro is the container-independent tick used for durations and seeks.
	TimeBaseMicro = Rational{Num: 1, Den: 1000000}
	// TimeBaseNano matches time.Duration.
	TimeBaseNano = Rational{Num: 1, Den: 1000000000}
)

func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// Reduce returns r with numerator and denominator divided by their gcd.
func (r Rational) Reduce() Rational {
	g := gcd(abs(r.Num), abs(r.Den))
	if g <= 1 {
		return r
	}
	return Rational{Num: r.Num / g, Den: r.Den / g}
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts v from timebase from to timebase to, rounding to nearest
// with halves away from zero.
func Rescale(v int64, from, to Rational) int64 {
	if v == NoPTS {
		return NoPTS
	}
	if from == to {
		return v
	}
	b := int64(from.Num) * int64(to.Den)
	c := int64(from.Den) * int64(to.Num)
	return rescaleRound(v, b, c)
}

// rescaleRound computes v*b/c rounded to nearest. The product is evaluated in
// big integers only when it would overflow int64.
func rescaleRound(v, b, c int64) int64 {
	if c == 0 {
		return NoPTS
	}
	if c < 0 {
		b, c = -b, -c
	}
	if b == 0 || v == 0 {
		return 0
	}
	if abs64(v) <= math.MaxInt32 && abs64(b) <= math.MaxInt32 {
		p := v * b
		if p >= 0 {
			return (p + c/2) / c
		}
		return -((-p + c/2) / c)
	}
	p := new(big.Int).Mul(big.NewInt(v), big.NewInt(b))
	neg := p.Sign() < 0
	p.Abs(p)
	p.Add(p, big.NewInt(c/2))
	p.Quo(p, big.NewInt(c))
	if neg {
		p.Neg(p)
	}
	if !p.IsInt64() {
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	return p.Int64()
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
