package database

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryGoChatRepository keeps everything in process memory. It backs the
// server when started with -dsn memory:// and the package tests.
type MemoryGoChatRepository struct {
	mu       sync.Mutex
	accounts []User
	rooms    []Room
	messages map[int][]Message
	nextId   int
}

func NewMemoryGoChatRepository() *MemoryGoChatRepository {
	return &MemoryGoChatRepository{
		messages: make(map[int][]Message),
	}
}

func (m *MemoryGoChatRepository) id() int {
	m.nextId++
	return m.nextId
}

func (m *MemoryGoChatRepository) Ping() error { return nil }

func (m *MemoryGoChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.accounts {
		if u.Username == params.Username {
			return User{}, fmt.Errorf("%w: username", ErrDuplicate)
		}
	}

	u := User{
		Id:           m.id(),
		Username:     params.Username,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.accounts = append(m.accounts, u)

	u.PasswordHash = ""
	return u, nil
}

func (m *MemoryGoChatRepository) GetAccountById(id int) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.accounts {
		if u.Id == id {
			u.PasswordHash = ""
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryGoChatRepository) GetAccountByUsername(username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.accounts {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryGoChatRepository) ListRooms() ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.rooms), nil
}

func (m *MemoryGoChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.ExternalId == externalId {
			return r, nil
		}
	}
	return Room{}, ErrNotFound
}

func (m *MemoryGoChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.Name == params.Name || r.ExternalId == params.ExternalId {
			return Room{}, fmt.Errorf("%w: room", ErrDuplicate)
		}
	}

	r := Room{
		Id:         m.id(),
		ExternalId: params.ExternalId,
		Name:       params.Name,
		Topic:      params.Topic,
		CreatedAt:  time.Now().UTC(),
	}
	m.rooms = append(m.rooms, r)
	return r, nil
}

func (m *MemoryGoChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.rooms, func(r Room) bool { return r.Id == params.RoomId })
	if idx < 0 {
		return Message{}, ErrNotFound
	}

	m.rooms[idx].SeqId++

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg := Message{
		Id:          m.id(),
		SeqId:       m.rooms[idx].SeqId,
		RoomId:      params.RoomId,
		UserId:      params.UserId,
		Username:    params.Username,
		Content:     bytes.Clone(params.Content),
		MessageType: params.MessageType,
		FileURL:     params.FileURL,
		MimeType:    params.MimeType,
		CreatedAt:   createdAt,
	}
	m.messages[params.RoomId] = append(m.messages[params.RoomId], msg)

	return msg, nil
}

func (m *MemoryGoChatRepository) GetMessages(q MessageQuery) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	all := m.messages[q.RoomId]
	out := make([]Message, 0, limit)

	// messages are appended in seq order
	if q.After > 0 {
		for _, msg := range all {
			if len(out) == limit || (q.Before > 0 && msg.SeqId >= q.Before) {
				break
			}
			if msg.SeqId > q.After {
				out = append(out, msg)
			}
		}
		return out, nil
	}

	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		msg := all[i]
		if q.Before > 0 && msg.SeqId >= q.Before {
			continue
		}
		if msg.SeqId <= q.After {
			break
		}
		out = append(out, msg)
	}

	slices.Reverse(out)
	return out, nil
}

// RawMessages returns the stored rows for a room, ciphertext included.
func (m *MemoryGoChatRepository) RawMessages(roomId int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.messages[roomId])
}
