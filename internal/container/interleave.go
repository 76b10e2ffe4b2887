package container

import (
	"github.com/Azunyan1111/go-media-pipeline/internal/av"
)

// maxInterleaveDeltaUs bounds how far one stream may run ahead while another
// has not delivered any packet yet.
const maxInterleaveDeltaUs = 10000000

type queuedPacket struct {
	pkt *av.Packet
	key int64 // decode time in microseconds
}

// interleaver orders packets of all streams by decode time before they reach
// the muxer.
type interleaver struct {
	queue    []queuedPacket
	perStrm  []int
	timeBase []av.Rational
}

func newInterleaver(streams []*av.StreamDescriptor) *interleaver {
	il := &interleaver{
		perStrm:  make([]int, len(streams)),
		timeBase: make([]av.Rational, len(streams)),
	}
	for i, st := range streams {
		il.timeBase[i] = st.TimeBase
	}
	return il
}

func (il *interleaver) push(pkt *av.Packet) {
	key := av.Rescale(pkt.DecodeTime(), il.timeBase[pkt.StreamIndex], av.TimeBaseMicro)
	// Insert after every packet with the same or an earlier key.
	i := len(il.queue)
	for i > 0 && il.queue[i-1].key > key {
		i--
	}
	il.queue = append(il.queue, queuedPacket{})
	copy(il.queue[i+1:], il.queue[i:])
	il.queue[i] = queuedPacket{pkt: pkt, key: key}
	il.perStrm[pkt.StreamIndex]++
}

// pop returns the next packet ready for the muxer, or nil. With flush set the
// queue drains unconditionally.
func (il *interleaver) pop(flush bool) *av.Packet {
	if len(il.queue) == 0 {
		return nil
	}
	if !flush {
		ready := true
		for _, n := range il.perStrm {
			if n == 0 {
				ready = false
				break
			}
		}
		if !ready && il.queue[len(il.queue)-1].key-il.queue[0].key <= maxInterleaveDeltaUs {
			return nil
		}
	}
	head := il.queue[0]
	il.queue[0] = queuedPacket{}
	il.queue = il.queue[1:]
	il.perStrm[head.pkt.StreamIndex]--
	return head.pkt
}
