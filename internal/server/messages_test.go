package server

import (
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/securechat/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_parseClientFrame(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		want    types.ClientFrame
		wantErr bool
	}{
		{
			name: "text frame",
			raw:  `{"content":"hello","message_type":"text","client_id":"abc"}`,
			want: types.ClientFrame{Content: "hello", MessageType: types.MessageTypeText, ClientId: "abc"},
		},
		{
			name: "missing type defaults to text",
			raw:  `{"content":"hello"}`,
			want: types.ClientFrame{Content: "hello", MessageType: types.MessageTypeText},
		},
		{
			name: "content at the limit",
			raw:  `{"content":"` + strings.Repeat("é", maxContentLength) + `"}`,
			want: types.ClientFrame{Content: strings.Repeat("é", maxContentLength), MessageType: types.MessageTypeText},
		},
		{name: "malformed json", raw: `{"content":`, wantErr: true},
		{name: "empty content", raw: `{"content":""}`, wantErr: true},
		{name: "content too long", raw: `{"content":"` + strings.Repeat("a", maxContentLength+1) + `"}`, wantErr: true},
		{name: "media type from client", raw: `{"content":"x","message_type":"image"}`, wantErr: true},
		{name: "system type from client", raw: `{"content":"x","message_type":"system"}`, wantErr: true},
		{name: "unknown type", raw: `{"content":"x","message_type":"sticker"}`, wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseClientFrame([]byte(tc.raw))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNow(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Equal(t, now, now.Round(time.Millisecond))
}
