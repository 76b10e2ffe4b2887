package pipeline

import (
	"errors"
	"io"

	"github.com/Azunyan1111/go-media-pipeline/internal/av"
	"github.com/Azunyan1111/go-media-pipeline/internal/codec"
)

// decodePacket sends pkt to dec and hands every frame it yields to fn. A nil
// pkt drains the decoder.
func decodePacket(dec codec.Decoder, pkt *av.Packet, fn func(*av.Frame) error) error {
	for {
		err := dec.SendPacket(pkt)
		if errors.Is(err, codec.ErrAgain) {
			if err := receiveFrames(dec, fn); err != nil {
				return err
			}
			continue
		}
		if err != nil && !(pkt == nil && errors.Is(err, io.EOF)) {
			return err
		}
		return receiveFrames(dec, fn)
	}
}

func receiveFrames(dec codec.Decoder, fn func(*av.Frame) error) error {
	for {
		var frame av.Frame
		err := dec.ReceiveFrame(&frame)
		if errors.Is(err, codec.ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(&frame); err != nil {
			return err
		}
	}
}

// encodeFrame sends frame to enc and hands every packet it yields to fn. A
// nil frame flushes the encoder.
func encodeFrame(enc codec.Encoder, frame *av.Frame, fn func(*av.Packet) error) error {
	for {
		err := enc.SendFrame(frame)
		if errors.Is(err, codec.ErrAgain) {
			if err := receivePackets(enc, fn); err != nil {
				return err
			}
			continue
		}
		if err != nil && !(frame == nil && errors.Is(err, io.EOF)) {
			return err
		}
		return receivePackets(enc, fn)
	}
}

func receivePackets(enc codec.Encoder, fn func(*av.Packet) error) error {
	for {
		var pkt av.Packet
		err := enc.ReceivePacket(&pkt)
		if errors.Is(err, codec.ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(&pkt); err != nil {
			return err
		}
	}
}
