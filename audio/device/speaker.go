package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/audio"
	"github.com/bt-bridge/realtime-session/codec"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

const (
	defaultOutputBuffer = 40 * time.Millisecond
	ringBufferSeconds   = 30
)

// oto allows a single context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
	otoRate int
)

func outputContext(sampleRate int, bufferSize time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   bufferSize,
		})
		if otoErr == nil {
			<-ready
			otoRate = sampleRate
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("creating output context: %w", otoErr)
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("output context already running at %d Hz", otoRate)
	}
	return otoCtx, nil
}

// Speaker streams PCM through one oto player fed by an AudioBuffer. A
// cancelled Play drops the player together with its buffer so nothing
// already queued is heard.
type Speaker struct {
	ctx    *oto.Context
	rate   int
	logger shared.LoggerAdapter

	mu     sync.Mutex
	player *oto.Player
	buf    *audio.AudioBuffer
}

var _ audio.Speaker = (*Speaker)(nil)

func NewSpeaker(sampleRate int, logger shared.LoggerAdapter) (*Speaker, error) {
	ctx, err := outputContext(sampleRate, defaultOutputBuffer)
	if err != nil {
		return nil, err
	}
	return &Speaker{
		ctx:    ctx,
		rate:   sampleRate,
		logger: logger.With(zap.String("component", "speaker")),
	}, nil
}

func (s *Speaker) Play(ctx context.Context, pcm []int16) error {
	s.mu.Lock()
	if s.player == nil {
		s.buf = audio.NewAudioBuffer(ringBufferSeconds * s.rate * 2)
		s.player = s.ctx.NewPlayer(s.buf)
		s.player.Play()
	}
	if dropped := s.buf.Write(codec.Int16ToBytes(pcm)); dropped > 0 {
		s.logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
	}
	drained := s.buf.Drained()
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		s.flush()
		return ctx.Err()
	}
}

func (s *Speaker) flush() {
	s.mu.Lock()
	player, buf := s.player, s.buf
	s.player, s.buf = nil, nil
	s.mu.Unlock()
	if player == nil {
		return
	}
	player.Pause()
	buf.Reset()
	buf.Close()
	if err := player.Close(); err != nil {
		s.logger.Error("closing player", err)
	}
}

func (s *Speaker) Close() error {
	s.flush()
	return nil
}
