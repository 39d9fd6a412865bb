// Package opus implements codec.Codec on libopus. It needs cgo.
package opus

import (
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-session/codec"
	"gopkg.in/hraban/opus.v2"
)

const (
	FrameDuration = 20 * time.Millisecond
	maxPacketSize = 4000
	// 120 ms is the longest frame libopus will ever hand back.
	maxFrameDuration = 120 * time.Millisecond
)

// Codec encodes mono PCM into 20 ms Opus packets and decodes packets of any
// legal frame size.
type Codec struct {
	rate         int
	frameSamples int
	enc          *opus.Encoder
	dec          *opus.Decoder

	pending []int16
	encBuf  []byte
	decBuf  []int16
}

var _ codec.Codec = (*Codec)(nil)

func New(sampleRate int) (*Codec, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	frame := int(FrameDuration.Seconds() * float64(sampleRate))
	return &Codec{
		rate:         sampleRate,
		frameSamples: frame,
		enc:          enc,
		dec:          dec,
		encBuf:       make([]byte, maxPacketSize),
		decBuf:       make([]int16, int(maxFrameDuration.Seconds()*float64(sampleRate))),
	}, nil
}

func (c *Codec) Name() string    { return "opus" }
func (c *Codec) SampleRate() int { return c.rate }

// Encode re-frames arbitrary block sizes into whole 20 ms frames. The
// remainder waits for the next call or Flush.
func (c *Codec) Encode(pcm []int16) ([][]byte, error) {
	c.pending = append(c.pending, pcm...)
	var packets [][]byte
	for len(c.pending) >= c.frameSamples {
		pkt, err := c.encodeFrame(c.pending[:c.frameSamples])
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)
		c.pending = c.pending[c.frameSamples:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return packets, nil
}

// Flush zero-pads the remainder to a full frame.
func (c *Codec) Flush() ([][]byte, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}
	frame := make([]int16, c.frameSamples)
	copy(frame, c.pending)
	c.pending = nil
	pkt, err := c.encodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return [][]byte{pkt}, nil
}

func (c *Codec) encodeFrame(frame []int16) ([]byte, error) {
	n, err := c.enc.Encode(frame, c.encBuf)
	if err != nil {
		return nil, fmt.Errorf("encoding opus frame: %w", err)
	}
	pkt := make([]byte, n)
	copy(pkt, c.encBuf[:n])
	return pkt, nil
}

func (c *Codec) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	n, err := c.dec.Decode(packet, c.decBuf)
	if err != nil {
		return nil, fmt.Errorf("decoding opus packet: %w", err)
	}
	out := make([]int16, n)
	copy(out, c.decBuf[:n])
	return out, nil
}

func (c *Codec) Close() error {
	c.pending = nil
	return nil
}
