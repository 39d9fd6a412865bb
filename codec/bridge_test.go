package codec

import (
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	packets [][]byte
	pcm     [][]int16
}

func (c *collector) encoded(p []byte) {
	c.mu.Lock()
	c.packets = append(c.packets, p)
	c.mu.Unlock()
}

func (c *collector) decoded(p []int16) {
	c.mu.Lock()
	c.pcm = append(c.pcm, p)
	c.mu.Unlock()
}

func (c *collector) packetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *collector) samples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pcm {
		n += len(p)
	}
	return n
}

func ramp(n int, start int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = start + int16(i)
	}
	return out
}

func TestBridgeRoundTripPreservesDuration(t *testing.T) {
	const rate = 24000
	const block = 480
	const blocks = 50

	enc := &collector{}
	encBridge := NewBridge(NewPCM16(rate), shared.NewNopLogger(), enc.encoded, nil)
	defer encBridge.Close()
	for i := 0; i < blocks; i++ {
		require.NoError(t, encBridge.Encode(ramp(block, int16(i))))
	}
	flushed := make(chan int, 1)
	encBridge.Flush(func() { flushed <- enc.packetCount() })
	select {
	case n := <-flushed:
		assert.Equal(t, blocks, n)
	case <-time.After(time.Second):
		t.Fatal("flush callback never ran")
	}

	dec := &collector{}
	decBridge := NewBridge(NewPCM16(rate), shared.NewNopLogger(), nil, dec.decoded)
	defer decBridge.Close()
	enc.mu.Lock()
	packets := append([][]byte(nil), enc.packets...)
	enc.mu.Unlock()
	for _, p := range packets {
		require.NoError(t, decBridge.Decode(p))
	}
	require.Eventually(t, func() bool { return dec.samples() == block*blocks }, time.Second, 5*time.Millisecond)

	in := Duration(block*blocks, rate)
	out := Duration(dec.samples(), rate)
	assert.InDelta(t, float64(in), float64(out), float64(Duration(block, rate)))
}

func TestBridgeDecodePreservesOrder(t *testing.T) {
	dec := &collector{}
	b := NewBridge(NewPCM16(24000), shared.NewNopLogger(), nil, dec.decoded)
	defer b.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Decode(Int16ToBytes([]int16{int16(i)})))
	}
	require.Eventually(t, func() bool { return dec.samples() == 20 }, time.Second, 5*time.Millisecond)
	dec.mu.Lock()
	defer dec.mu.Unlock()
	for i, p := range dec.pcm {
		assert.Equal(t, int16(i), p[0])
	}
}

// blockingCodec holds every decode until released so the test can queue
// packets behind it.
type blockingCodec struct {
	*PCM16
	release chan struct{}
	once    sync.Once
}

func (c *blockingCodec) Decode(p []byte) ([]int16, error) {
	c.once.Do(func() { <-c.release })
	return c.PCM16.Decode(p)
}

func TestBridgeResetDecodeDropsQueuedPackets(t *testing.T) {
	codec := &blockingCodec{PCM16: NewPCM16(24000), release: make(chan struct{})}
	dec := &collector{}
	b := NewBridge(codec, shared.NewNopLogger(), nil, dec.decoded)
	defer b.Close()

	require.NoError(t, b.Decode(Int16ToBytes([]int16{1})))
	require.NoError(t, b.Decode(Int16ToBytes([]int16{2})))
	require.NoError(t, b.Decode(Int16ToBytes([]int16{3})))
	b.ResetDecode()
	close(codec.release)

	require.NoError(t, b.Decode(Int16ToBytes([]int16{4})))
	require.Eventually(t, func() bool { return dec.samples() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	dec.mu.Lock()
	defer dec.mu.Unlock()
	assert.Equal(t, [][]int16{{4}}, dec.pcm)
}

func TestBridgeRejectsAfterClose(t *testing.T) {
	b := NewBridge(NewPCM16(24000), shared.NewNopLogger(), nil, nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Encode([]int16{1}), shared.ErrCodecClosed)
	assert.ErrorIs(t, b.Decode([]byte{1, 0}), shared.ErrCodecClosed)
}

func TestPCM16DecodeCarriesOddByte(t *testing.T) {
	c := NewPCM16(24000)
	wire := Int16ToBytes([]int16{0x1234, -2})

	first, err := c.Decode(wire[:3])
	require.NoError(t, err)
	second, err := c.Decode(wire[3:])
	require.NoError(t, err)

	assert.Equal(t, []int16{0x1234}, first)
	assert.Equal(t, []int16{-2}, second)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 20*time.Millisecond, Duration(480, 24000))
	assert.Equal(t, time.Duration(0), Duration(480, 0))
}
