package audio

import (
	"math"
	"sync"
)

// meter keeps a rolling waveform window and the RMS of the last block seen.
type meter struct {
	mu     sync.Mutex
	window []float32
	next   int
	full   bool
	rms    float64
}

func newMeter(size int) *meter {
	return &meter{window: make([]float32, size)}
}

func (m *meter) observeFloat(block []float32) {
	if len(block) == 0 {
		return
	}
	var sum float64
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range block {
		sum += float64(s) * float64(s)
		m.push(s)
	}
	m.rms = math.Sqrt(sum / float64(len(block)))
}

func (m *meter) observeInt16(block []int16) {
	if len(block) == 0 {
		return
	}
	var sum float64
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range block {
		f := float32(s) / 0x8000
		sum += float64(f) * float64(f)
		m.push(f)
	}
	m.rms = math.Sqrt(sum / float64(len(block)))
}

func (m *meter) push(s float32) {
	m.window[m.next] = s
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.full = true
	}
}

// waveform returns the window oldest-first.
func (m *meter) waveform() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		out := make([]float32, m.next)
		copy(out, m.window[:m.next])
		return out
	}
	out := make([]float32, 0, len(m.window))
	out = append(out, m.window[m.next:]...)
	return append(out, m.window[:m.next]...)
}

func (m *meter) volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rms
}
