package server

import (
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/securechat/internal/types"
)

const (
	maxContentLength = 4000

	errInvalidPayload     = "Invalid message payload"
	errRateLimited        = "rate limit exceeded"
	errSaveFailed         = "failed to save message"
	errServiceUnavailable = "service unavailable"
	errNotJoined          = "not joined to a room"
	closeRoomNotFound     = "room not found"
	closeInternalError    = "internal server error"
	closeServerShutdown   = "server shutting down"
	systemJoinedFmt       = "%s joined the room"
	systemLeftFmt         = "%s left the room"
)

var ErrInvalidFrame = errors.New("invalid client frame")

// ClientMessage is a validated frame waiting to be persisted by its room.
type ClientMessage struct {
	Frame     types.ClientFrame
	Timestamp time.Time
	client    *Client
}

type joinRequest struct {
	client *Client
	roomId string
}

type broadcastRequest struct {
	roomId string
	event  *types.Event
}

type unloadRoomRequest struct {
	roomId string
}

type stopReq struct {
	done chan struct{}
}

// parseClientFrame decodes an inbound frame. Clients may only publish text;
// a missing message_type is read as text.
func parseClientFrame(raw []byte) (types.ClientFrame, error) {
	var f types.ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, errors.Join(ErrInvalidFrame, err)
	}

	if f.MessageType == "" {
		f.MessageType = types.MessageTypeText
	}
	if f.MessageType != types.MessageTypeText {
		return f, ErrInvalidFrame
	}

	n := utf8.RuneCountInString(f.Content)
	if n < 1 || n > maxContentLength {
		return f, ErrInvalidFrame
	}

	return f, nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
