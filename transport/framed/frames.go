package framed

import (
	"errors"
	"fmt"
	"strings"
)

// Frame tags. Each websocket binary message is one tag byte followed by the
// payload.
const (
	TagHandshake  byte = 0x00
	TagAudio      byte = 0x01
	TagTranscript byte = 0x02
	TagError      byte = 0x05
	TagKeepalive  byte = 0x06
)

// WordBoundary is the marker the backend places between transcript words.
const WordBoundary = "▁"

var errEmptyFrame = errors.New("empty frame")

type Frame struct {
	Tag     byte
	Payload []byte
}

func ParseFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, errEmptyFrame
	}
	switch data[0] {
	case TagHandshake, TagAudio, TagTranscript, TagError, TagKeepalive:
	default:
		return Frame{}, fmt.Errorf("unknown frame tag 0x%02x", data[0])
	}
	return Frame{Tag: data[0], Payload: data[1:]}, nil
}

func (f Frame) Bytes() []byte {
	out := make([]byte, 0, len(f.Payload)+1)
	out = append(out, f.Tag)
	return append(out, f.Payload...)
}

// TranscriptText renders word-boundary markers as spaces.
func TranscriptText(payload []byte) string {
	return strings.ReplaceAll(string(payload), WordBoundary, " ")
}
