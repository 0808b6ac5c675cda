package database

import "time"

type Room struct {
	Id         int
	ExternalId string
	Name       string
	Topic      string
	SeqId      int
	CreatedAt  time.Time
}

type User struct {
	Id           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Message is a stored message row. Content holds the sealed ciphertext.
type Message struct {
	Id          int
	SeqId       int
	RoomId      int
	UserId      int
	Username    string
	Content     []byte
	MessageType string
	FileURL     string
	MimeType    string
	CreatedAt   time.Time
}

type CreateAccountParams struct {
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name       string
	Topic      string
	ExternalId string
}

type CreateMessageParams struct {
	RoomId      int
	UserId      int
	Username    string
	Content     []byte
	MessageType string
	FileURL     string
	MimeType    string
	CreatedAt   time.Time
}

// MessageQuery selects messages with After < seq_id < Before. With After set
// it returns the oldest Limit rows of that range, so a reader can page forward
// from a cursor without skipping any; otherwise the newest Limit rows. Zero
// values mean unbounded. Rows always come back in ascending seq_id order.
type MessageQuery struct {
	RoomId int
	After  int
	Before int
	Limit  int
}
