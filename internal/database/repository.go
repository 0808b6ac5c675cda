package database

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type GoChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByUsername(username string) (User, error)
	ListRooms() ([]Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	// CreateMessage stores the message and assigns it the next sequence id of
	// its room. The returned message carries SeqId, Id and CreatedAt.
	CreateMessage(params CreateMessageParams) (Message, error)
	// GetMessages returns matching messages ordered by ascending SeqId.
	GetMessages(query MessageQuery) ([]Message, error)
}
