package framed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Frame
		wantErr bool
	}{
		{name: "handshake", data: []byte{0x00}, want: Frame{Tag: TagHandshake, Payload: []byte{}}},
		{name: "audio", data: []byte{0x01, 1, 2}, want: Frame{Tag: TagAudio, Payload: []byte{1, 2}}},
		{name: "keepalive", data: []byte{0x06}, want: Frame{Tag: TagKeepalive, Payload: []byte{}}},
		{name: "empty", data: nil, wantErr: true},
		{name: "unknown tag", data: []byte{0x03, 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame(tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.data, got.Bytes())
		})
	}
}

func TestTranscriptText(t *testing.T) {
	assert.Equal(t, "how are you", TranscriptText([]byte("how▁are▁you")))
	assert.Equal(t, " hi", TranscriptText([]byte("▁hi")))
	assert.Equal(t, "plain", TranscriptText([]byte("plain")))
}
