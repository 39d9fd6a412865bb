// Package device binds the audio pipeline to real hardware: a mediadevices
// microphone and an oto speaker. It needs cgo.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bt-bridge/realtime-session/audio"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/mediadevices"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

var errNoAudioTrack = errors.New("no audio track in microphone stream")

type Microphone struct {
	logger shared.LoggerAdapter
}

var _ audio.Microphone = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter) *Microphone {
	return &Microphone{logger: logger.With(zap.String("component", "microphone"))}
}

// Open acquires a mono track. The mediadevices driver exposes no echo
// cancellation or gain controls, so only rate, channels and sample size are
// constrained.
func (m *Microphone) Open(_ context.Context, sampleRate int) (audio.SampleReader, error) {
	if !hasAudioInput() {
		return nil, &shared.MediaAccessError{Reason: shared.MediaNoDevice}
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(sampleRate)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return nil, &shared.MediaAccessError{Reason: shared.MediaPermissionDenied, Err: err}
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, &shared.MediaAccessError{Reason: shared.MediaNoDevice, Err: errNoAudioTrack}
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, &shared.MediaAccessError{Reason: shared.MediaNoDevice, Err: fmt.Errorf("unexpected track type %T", tracks[0])}
	}
	m.logger.Info("microphone opened", zap.String("trackID", track.ID()), zap.Int("sampleRate", sampleRate))
	return &trackReader{track: track, reader: track.NewReader(false)}, nil
}

func hasAudioInput() bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			return true
		}
	}
	return false
}

// trackReader adapts chunked track reads to a flat float sample stream.
type trackReader struct {
	track  *mediadevices.AudioTrack
	reader mdaudio.Reader

	pending []float32
	mu      sync.Mutex
	closed  bool
}

func (r *trackReader) ReadSamples(buf []float32) (int, error) {
	for len(r.pending) == 0 {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		chunk, release, err := r.reader.Read()
		if err != nil {
			return 0, err
		}
		r.pending = appendMono(r.pending[:0], chunk)
		release()
	}
	n := copy(buf, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// appendMono keeps the first channel of an interleaved chunk.
func appendMono(dst []float32, chunk wave.Audio) []float32 {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		ch := max(c.Size.Channels, 1)
		for i := 0; i < len(c.Data); i += ch {
			dst = append(dst, float32(c.Data[i])/0x8000)
		}
	case *wave.Float32Interleaved:
		ch := max(c.Size.Channels, 1)
		for i := 0; i < len(c.Data); i += ch {
			dst = append(dst, c.Data[i])
		}
	}
	return dst
}

func (r *trackReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.track.Close()
}
