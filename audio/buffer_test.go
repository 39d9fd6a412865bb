package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioBufferDropsOldestWhenFull(t *testing.T) {
	ab := NewAudioBuffer(4)
	assert.Equal(t, 0, ab.Write([]byte{1, 2, 3}))
	assert.Equal(t, 2, ab.Write([]byte{4, 5, 6}))

	p := make([]byte, 8)
	n, err := ab.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, p[:n])
}

func TestAudioBufferDrainedSignal(t *testing.T) {
	ab := NewAudioBuffer(16)
	select {
	case <-ab.Drained():
	default:
		t.Fatal("new buffer should report drained")
	}

	ab.Write([]byte{1, 2})
	drained := ab.Drained()
	select {
	case <-drained:
		t.Fatal("buffer with data must not report drained")
	default:
	}

	p := make([]byte, 2)
	_, err := ab.Read(p)
	require.NoError(t, err)
	select {
	case <-drained:
	default:
		t.Fatal("read of last byte should close drained")
	}
}

func TestAudioBufferResetAndSeek(t *testing.T) {
	ab := NewAudioBuffer(16)
	ab.Write([]byte{1, 2, 3})
	drained := ab.Drained()
	assert.Equal(t, 3, ab.Reset())
	assert.Equal(t, 0, ab.Len())
	<-drained

	ab.Write([]byte{1})
	off, err := ab.Seek(0, 0)
	require.NoError(t, err)
	assert.Zero(t, off)
	assert.Equal(t, 0, ab.Len())
}

func TestAudioBufferReadAfterCloseYieldsSilence(t *testing.T) {
	ab := NewAudioBuffer(16)
	ab.Close()
	p := []byte{9, 9, 9}
	n, err := ab.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0, 0, 0}, p)
	assert.Equal(t, 0, ab.Write([]byte{1}))
}
