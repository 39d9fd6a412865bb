// Package audio captures microphone blocks, plays decoded audio in strict
// order and samples waveform telemetry for visualization.
package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSampleRate    = 24000
	DefaultBlockDuration = 20 * time.Millisecond
	DefaultWaveformSize  = 256
	TelemetryInterval    = 40 * time.Millisecond
)

// Microphone opens a mono capture stream with echo cancellation, noise
// suppression and auto gain enabled where the device supports them.
// Failures should be reported as *shared.MediaAccessError.
type Microphone interface {
	Open(ctx context.Context, sampleRate int) (SampleReader, error)
}

// SampleReader yields normalized float samples. Close must unblock a pending
// ReadSamples.
type SampleReader interface {
	ReadSamples(buf []float32) (int, error)
	Close() error
}

// Speaker plays one buffer to completion. When ctx is cancelled it must
// silence output immediately and return.
type Speaker interface {
	Play(ctx context.Context, pcm []int16) error
	Close() error
}

type Config struct {
	SampleRate   int `yaml:"sample_rate"`
	BlockSize    int `yaml:"block_size"`
	WaveformSize int `yaml:"waveform_size"`
}

func (c Config) normalized() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = FrameSamples(DefaultBlockDuration, c.SampleRate, 1)
	}
	if c.WaveformSize <= 0 {
		c.WaveformSize = DefaultWaveformSize
	}
	return c
}

// FrameHandler receives each captured block. The handler owns the slice.
type FrameHandler func(frame []int16)

type Pipeline struct {
	cfg     Config
	mic     Microphone
	speaker Speaker
	logger  shared.LoggerAdapter

	initGroup singleflight.Group
	inflight  sync.WaitGroup

	mu      sync.Mutex
	stream  SampleReader
	closing bool
	closed  bool

	captureCancel context.CancelFunc
	captureDone   chan struct{}

	cond       *sync.Cond
	queue      [][]int16
	playing    bool
	playCancel context.CancelFunc
	playDone   chan struct{}

	meter *meter
}

func NewPipeline(cfg Config, mic Microphone, speaker Speaker, logger shared.LoggerAdapter) *Pipeline {
	cfg = cfg.normalized()
	p := &Pipeline{
		cfg:      cfg,
		mic:      mic,
		speaker:  speaker,
		logger:   logger.With(zap.String("component", "audio")),
		playDone: make(chan struct{}),
		meter:    newMeter(cfg.WaveformSize),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.playLoop()
	return p
}

func (p *Pipeline) Config() Config { return p.cfg }

// Init opens the microphone. Overlapping callers share one attempt, and a
// call made while Close is running fails with shared.ErrTeardownInProgress.
func (p *Pipeline) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return shared.ErrTeardownInProgress
	}
	if p.stream != nil {
		p.mu.Unlock()
		return nil
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	_, err, joined := p.initGroup.Do("init", func() (any, error) {
		return nil, p.open(ctx)
	})
	if joined {
		p.logger.Debug("joined in-flight audio init")
	}
	return err
}

func (p *Pipeline) open(ctx context.Context) error {
	stream, err := p.mic.Open(ctx, p.cfg.SampleRate)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.closed {
		_ = stream.Close()
		return shared.ErrTeardownInProgress
	}
	p.stream = stream
	p.logger.Info("audio pipeline initialized",
		zap.Int("sampleRate", p.cfg.SampleRate),
		zap.Int("blockSize", p.cfg.BlockSize),
	)
	return nil
}

func (p *Pipeline) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captureCancel != nil
}

// StartCapture begins delivering fixed-size blocks to onFrame. It is a no-op
// when capture is already running.
func (p *Pipeline) StartCapture(onFrame FrameHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return shared.ErrPipelineNotReady
	}
	if p.captureCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.captureCancel = cancel
	p.captureDone = done
	go p.captureLoop(ctx, p.stream, onFrame, done)
	p.logger.Debug("capture started")
	return nil
}

// StopCapture stops the capture loop and waits for it to exit. No block is
// delivered after it returns.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	cancel, done := p.captureCancel, p.captureDone
	p.captureCancel, p.captureDone = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug("capture stopped")
}

func (p *Pipeline) captureLoop(ctx context.Context, stream SampleReader, onFrame FrameHandler, done chan struct{}) {
	defer close(done)
	block := make([]float32, p.cfg.BlockSize)
	filled := 0
	for ctx.Err() == nil {
		n, err := stream.ReadSamples(block[filled:])
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Error("reading microphone", err)
			}
			return
		}
		filled += n
		if filled < len(block) {
			continue
		}
		filled = 0
		p.meter.observeFloat(block)
		frame := make([]int16, len(block))
		FloatToInt16(frame, block)
		if ctx.Err() != nil {
			return
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

// Enqueue appends decoded PCM to the playback queue.
func (p *Pipeline) Enqueue(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, pcm)
	p.cond.Signal()
}

// StopPlayback discards queued items and silences the one in flight before
// returning.
func (p *Pipeline) StopPlayback() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	cancel := p.playCancel
	p.playCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if dropped > 0 || cancel != nil {
		p.logger.Debug("playback stopped", zap.Int("droppedItems", dropped), zap.Bool("inFlight", cancel != nil))
	}
}

func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Pipeline) playLoop() {
	defer close(p.playDone)
	for {
		p.mu.Lock()
		for (p.playing || len(p.queue) == 0) && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		item := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.playing = true
		p.playCancel = cancel
		p.mu.Unlock()

		p.meter.observeInt16(item)
		err := p.speaker.Play(ctx, item)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("playing audio", err, zap.Int("samples", len(item)))
		}

		p.mu.Lock()
		p.playing = false
		p.playCancel = nil
		p.cond.Signal()
		p.mu.Unlock()
	}
}

// Waveform returns the latest time-domain snapshot, or nil before Init.
func (p *Pipeline) Waveform() []float32 {
	if !p.Initialized() {
		return nil
	}
	return p.meter.waveform()
}

// Volume returns the RMS of the latest block, or zero before Init.
func (p *Pipeline) Volume() float64 {
	if !p.Initialized() {
		return 0
	}
	return p.meter.volume()
}

type TelemetrySample struct {
	Waveform []float32
	Volume   float64
	At       time.Time
}

// Telemetry samples waveform and volume at 25 Hz until ctx ends. Samples are
// dropped when the receiver falls behind.
func (p *Pipeline) Telemetry(ctx context.Context) <-chan TelemetrySample {
	out := make(chan TelemetrySample, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(TelemetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sample := TelemetrySample{Waveform: p.Waveform(), Volume: p.Volume(), At: now}
				select {
				case out <- sample:
				default:
				}
			}
		}
	}()
	return out
}

// Close stops capture and playback and releases the devices. It waits for an
// in-flight Init to settle first. Errors are logged, never returned.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.mu.Unlock()

	p.inflight.Wait()
	p.StopCapture()
	p.StopPlayback()

	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.closed = true
	p.closing = false
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.playDone

	if stream != nil {
		if err := stream.Close(); err != nil {
			p.logger.Error("closing microphone", err)
		}
	}
	if p.speaker != nil {
		if err := p.speaker.Close(); err != nil {
			p.logger.Error("closing speaker", err)
		}
	}
	p.logger.Info("audio pipeline closed")
}
