// Package store persists chat messages encrypted and reads them back in
// durable order.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/securechat/internal/database"
	"github.com/npezzotti/securechat/internal/encryption"
	"github.com/npezzotti/securechat/internal/types"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var ErrInvalidMessageType = errors.New("invalid message type")

// PersistError reports a failed write. The message was not stored and must
// not be broadcast.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist message: %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type PersistParams struct {
	RoomId      int
	RoomExtId   string
	UserId      int
	Username    string
	MessageType types.MessageType
	Content     string
	FileURL     string
	MimeType    string
	ClientId    string
}

type Page struct {
	After  int
	Before int
	Limit  int
}

type Store struct {
	db     database.GoChatRepository
	cipher *encryption.Cipher

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func New(db database.GoChatRepository, c *encryption.Cipher) *Store {
	return &Store{
		db:     db,
		cipher: c,
		locks:  make(map[int]*sync.Mutex),
	}
}

func (s *Store) roomLock(roomId int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[roomId]
	if !ok {
		l = &sync.Mutex{}
		s.locks[roomId] = l
	}
	return l
}

// Persist encrypts and stores a message, returning it with its durable id and
// plaintext content. Calls for the same room are assigned ids in call order.
func (s *Store) Persist(p PersistParams) (types.Message, error) {
	if !p.MessageType.Valid() {
		return types.Message{}, &PersistError{Op: "validate", Err: ErrInvalidMessageType}
	}

	sealed, err := s.cipher.Encrypt(p.Content)
	if err != nil {
		return types.Message{}, &PersistError{Op: "encrypt", Err: err}
	}

	l := s.roomLock(p.RoomId)
	l.Lock()
	defer l.Unlock()

	row, err := s.db.CreateMessage(database.CreateMessageParams{
		RoomId:      p.RoomId,
		UserId:      p.UserId,
		Username:    p.Username,
		Content:     sealed,
		MessageType: string(p.MessageType),
		FileURL:     p.FileURL,
		MimeType:    p.MimeType,
		CreatedAt:   time.Now().UTC().Round(time.Millisecond),
	})
	if err != nil {
		return types.Message{}, &PersistError{Op: "write", Err: err}
	}

	return types.Message{
		Id:          row.SeqId,
		RoomId:      p.RoomExtId,
		UserId:      row.UserId,
		Username:    p.Username,
		Content:     p.Content,
		MessageType: p.MessageType,
		FileURL:     row.FileURL,
		MimeType:    row.MimeType,
		CreatedAt:   row.CreatedAt,
		ClientId:    p.ClientId,
	}, nil
}

// FetchHistory returns a page of messages ordered by ascending id. With
// page.After set the page starts right past it, otherwise it holds the newest
// messages. A row that
// fails to decrypt aborts the read with an error wrapping
// encryption.ErrIntegrity.
func (s *Store) FetchHistory(roomId int, roomExtId string, page Page) ([]types.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	rows, err := s.db.GetMessages(database.MessageQuery{
		RoomId: roomId,
		After:  page.After,
		Before: page.Before,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	messages := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		content, err := s.cipher.Decrypt(row.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt message %d in room %q: %w", row.SeqId, roomExtId, err)
		}

		messages = append(messages, types.Message{
			Id:          row.SeqId,
			RoomId:      roomExtId,
			UserId:      row.UserId,
			Username:    row.Username,
			Content:     content,
			MessageType: types.MessageType(row.MessageType),
			FileURL:     row.FileURL,
			MimeType:    row.MimeType,
			CreatedAt:   row.CreatedAt,
		})
	}

	return messages, nil
}
