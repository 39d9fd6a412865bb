package audio

import (
	"io"
	"sync"
)

// AudioBuffer is a bounded byte FIFO between a producer and an output device
// that pulls with Read. When full, the oldest bytes are dropped.
type AudioBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buffer []byte
	cap    int
	closed bool
	// empty is closed whenever the buffer drains and replaced on the next Write.
	empty chan struct{}
}

var (
	_ io.Reader = (*AudioBuffer)(nil)
	_ io.Seeker = (*AudioBuffer)(nil)
)

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
		empty:  make(chan struct{}),
	}
	close(ab.empty)
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed || len(data) == 0 {
		return 0
	}
	if len(ab.buffer) == 0 {
		ab.empty = make(chan struct{})
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available. After Close it yields silence so the
// device can drain.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if len(ab.buffer) == 0 {
		clear(p)
		return len(p), nil
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	if len(ab.buffer) == 0 {
		ab.buffer = make([]byte, 0, ab.cap)
		close(ab.empty)
	}
	return n, nil
}

// Drained returns a channel closed once every byte written so far has been
// read.
func (ab *AudioBuffer) Drained() <-chan struct{} {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.empty
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

// Reset discards buffered bytes and reports how many were dropped.
func (ab *AudioBuffer) Reset() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	dropped := len(ab.buffer)
	if dropped > 0 {
		ab.buffer = make([]byte, 0, ab.cap)
		close(ab.empty)
	}
	return dropped
}

// Seek lets an output player discard its own queue; any seek empties the
// buffer.
func (ab *AudioBuffer) Seek(int64, int) (int64, error) {
	ab.Reset()
	return 0, nil
}

func (ab *AudioBuffer) Close() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
}
