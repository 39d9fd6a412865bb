package opus

import (
	"math"
	"testing"

	"github.com/bt-bridge/realtime-session/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestRoundTripDurationWithinOneFrame(t *testing.T) {
	tests := []struct {
		name  string
		rate  int
		block int
		total int
	}{
		{name: "24kHz in odd blocks", rate: 24000, block: 333, total: 24000},
		{name: "48kHz in frame-sized blocks", rate: 48000, block: 960, total: 48000},
		{name: "16kHz short burst", rate: 16000, block: 128, total: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.rate)
			require.NoError(t, err)
			defer c.Close()

			pcm := sine(tt.total, tt.rate)
			var packets [][]byte
			for off := 0; off < len(pcm); off += tt.block {
				end := min(off+tt.block, len(pcm))
				out, err := c.Encode(pcm[off:end])
				require.NoError(t, err)
				packets = append(packets, out...)
			}
			tail, err := c.Flush()
			require.NoError(t, err)
			packets = append(packets, tail...)

			decoded := 0
			for _, p := range packets {
				out, err := c.Decode(p)
				require.NoError(t, err)
				decoded += len(out)
			}

			in := codec.Duration(tt.total, tt.rate)
			got := codec.Duration(decoded, tt.rate)
			assert.GreaterOrEqual(t, got, in)
			assert.Less(t, got-in, FrameDuration)
		})
	}
}

func TestEncodeHoldsPartialFrame(t *testing.T) {
	c, err := New(24000)
	require.NoError(t, err)

	out, err := c.Encode(make([]int16, 100))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = c.Encode(make([]int16, 380))
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = c.Flush()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecodeEmptyPacket(t *testing.T) {
	c, err := New(24000)
	require.NoError(t, err)
	out, err := c.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
