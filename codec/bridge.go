package codec

import (
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/realtime-session/shared"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

type decodeJob struct {
	gen    uint64
	packet []byte
}

// Bridge runs encode and decode on their own goroutines so codec latency never
// blocks protocol handling. Each direction preserves submission order.
type Bridge struct {
	codec     Codec
	logger    shared.LoggerAdapter
	onEncoded func(packet []byte)
	onDecoded func(pcm []int16)

	encodeIn chan []int16
	flushIn  chan func()
	decodeIn chan decodeJob
	gen      atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewBridge(
	codec Codec,
	logger shared.LoggerAdapter,
	onEncoded func(packet []byte),
	onDecoded func(pcm []int16),
) *Bridge {
	b := &Bridge{
		codec:     codec,
		logger:    logger.With(zap.String("component", "codec"), zap.String("codec", codec.Name())),
		onEncoded: onEncoded,
		onDecoded: onDecoded,
		encodeIn:  make(chan []int16, defaultQueueSize),
		flushIn:   make(chan func(), 4),
		decodeIn:  make(chan decodeJob, defaultQueueSize),
		done:      make(chan struct{}),
	}
	b.wg.Add(2)
	go b.encodeLoop()
	go b.decodeLoop()
	return b
}

func (b *Bridge) Codec() Codec { return b.codec }

// Encode queues a capture frame. The bridge takes ownership of frame.
func (b *Bridge) Encode(frame []int16) error {
	select {
	case <-b.done:
		return shared.ErrCodecClosed
	default:
	}
	select {
	case b.encodeIn <- frame:
		return nil
	case <-b.done:
		return shared.ErrCodecClosed
	}
}

// Flush asks the encoder to emit its buffered remainder after all frames
// queued so far. then, if set, runs on the encode goroutine once the flushed
// packets have been handed to onEncoded.
func (b *Bridge) Flush(then func()) {
	select {
	case b.flushIn <- then:
	case <-b.done:
	}
}

// Decode queues a wire packet. The bridge takes ownership of packet.
func (b *Bridge) Decode(packet []byte) error {
	select {
	case <-b.done:
		return shared.ErrCodecClosed
	default:
	}
	select {
	case b.decodeIn <- decodeJob{gen: b.gen.Load(), packet: packet}:
		return nil
	case <-b.done:
		return shared.ErrCodecClosed
	}
}

// ResetDecode drops every packet queued before the call. Used on interrupt
// so no stale audio reaches playback.
func (b *Bridge) ResetDecode() {
	b.gen.Add(1)
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.codec.Close()
	})
	return err
}

func (b *Bridge) encodeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case frame := <-b.encodeIn:
			packets, err := b.codec.Encode(frame)
			if err != nil {
				b.logger.Error("encoding capture frame", err, zap.Int("samples", len(frame)))
				continue
			}
			b.emitEncoded(packets)
		case then := <-b.flushIn:
			b.drainEncode()
			packets, err := b.codec.Flush()
			if err != nil {
				b.logger.Error("flushing encoder", err)
			} else {
				b.emitEncoded(packets)
			}
			if then != nil {
				then()
			}
		}
	}
}

// drainEncode encodes frames already queued so a flush never overtakes them.
func (b *Bridge) drainEncode() {
	for {
		select {
		case frame := <-b.encodeIn:
			packets, err := b.codec.Encode(frame)
			if err != nil {
				b.logger.Error("encoding capture frame", err, zap.Int("samples", len(frame)))
				continue
			}
			b.emitEncoded(packets)
		default:
			return
		}
	}
}

func (b *Bridge) emitEncoded(packets [][]byte) {
	if b.onEncoded == nil {
		return
	}
	for _, p := range packets {
		b.onEncoded(p)
	}
}

func (b *Bridge) decodeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case job := <-b.decodeIn:
			if job.gen != b.gen.Load() {
				continue
			}
			pcm, err := b.codec.Decode(job.packet)
			if err != nil {
				b.logger.Error("decoding audio packet", err, zap.Int("bytes", len(job.packet)))
				continue
			}
			if len(pcm) == 0 || b.onDecoded == nil {
				continue
			}
			if job.gen != b.gen.Load() {
				continue
			}
			b.onDecoded(pcm)
		}
	}
}
