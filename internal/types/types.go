package types

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeVideo  MessageType = "video"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Room struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Message is a persisted chat message. Id is the durable room-scoped sequence
// number and totally orders messages within RoomId.
type Message struct {
	Id          int         `json:"id"`
	RoomId      string      `json:"room_id"`
	UserId      int         `json:"user_id"`
	Username    string      `json:"username"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	FileURL     string      `json:"file_url,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ClientId    string      `json:"client_id,omitempty"`
}

type EventType string

const (
	EventMessage  EventType = "message"
	EventSystem   EventType = "system"
	EventError    EventType = "error"
	// EventAdmitted is sent only to the joining session, ahead of any
	// broadcast it will receive.
	EventAdmitted EventType = "admitted"
)

// Event is the server to client envelope.
type Event struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type SystemPayload struct {
	Message string `json:"message"`
	RoomId  string `json:"room_id,omitempty"`
}

type AdmittedPayload struct {
	RoomId string `json:"room_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ClientFrame is the only frame a client sends over the realtime connection.
type ClientFrame struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	ClientId    string      `json:"client_id,omitempty"`
}

func NewEvent(ev EventType, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Event: ev, Payload: raw}, nil
}

func MessageEvent(m Message) *Event {
	ev, _ := NewEvent(EventMessage, m)
	return ev
}

func SystemEvent(roomId, text string) *Event {
	ev, _ := NewEvent(EventSystem, SystemPayload{Message: text, RoomId: roomId})
	return ev
}

func ErrorEvent(text string) *Event {
	ev, _ := NewEvent(EventError, ErrorPayload{Message: text})
	return ev
}

func AdmittedEvent(roomId string) *Event {
	ev, _ := NewEvent(EventAdmitted, AdmittedPayload{RoomId: roomId})
	return ev
}
