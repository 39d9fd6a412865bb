// Package codec converts between the pipeline's linear PCM and a backend's
// wire audio format.
package codec

import (
	"encoding/binary"
	"time"
)

// Codec is a stateful encoder/decoder pair for one session direction pair.
// Implementations need not be safe for concurrent use; the Bridge calls
// Encode and Flush from one goroutine and Decode from another.
type Codec interface {
	Name() string
	SampleRate() int
	// Encode consumes PCM samples and returns zero or more wire packets.
	// Codecs with fixed frame sizes buffer the remainder.
	Encode(pcm []int16) ([][]byte, error)
	// Flush pads and encodes any buffered remainder.
	Flush() ([][]byte, error)
	Decode(packet []byte) ([]int16, error)
	Close() error
}

// PCM16 is the identity wire format: 16-bit little-endian mono samples.
type PCM16 struct {
	rate  int
	carry []byte
}

var _ Codec = (*PCM16)(nil)

func NewPCM16(sampleRate int) *PCM16 {
	return &PCM16{rate: sampleRate}
}

func (c *PCM16) Name() string    { return "pcm16" }
func (c *PCM16) SampleRate() int { return c.rate }

func (c *PCM16) Encode(pcm []int16) ([][]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	return [][]byte{Int16ToBytes(pcm)}, nil
}

func (c *PCM16) Flush() ([][]byte, error) { return nil, nil }

// Decode tolerates packets split on an odd byte boundary by carrying the
// trailing byte into the next call.
func (c *PCM16) Decode(packet []byte) ([]int16, error) {
	if len(c.carry) > 0 {
		packet = append(c.carry, packet...)
		c.carry = nil
	}
	if len(packet)%2 == 1 {
		c.carry = []byte{packet[len(packet)-1]}
		packet = packet[:len(packet)-1]
	}
	return BytesToInt16(packet), nil
}

func (c *PCM16) Close() error { return nil }

func Int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Duration reports how long n mono samples last at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
