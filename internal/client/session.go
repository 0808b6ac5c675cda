package client

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/securechat/internal/types"
)

// Session is a logged-in user with at most one room on screen.
type Session struct {
	api      *APIClient
	user     types.User
	dialer   Dialer
	log      *log.Logger
	onUpdate func(roomId string, u Update)

	mu   sync.Mutex
	view *RoomView
}

func NewSession(api *APIClient, user types.User, dialer Dialer, logger *log.Logger, onUpdate func(roomId string, u Update)) *Session {
	return &Session{
		api:      api,
		user:     user,
		dialer:   dialer,
		log:      logger,
		onUpdate: onUpdate,
	}
}

func (s *Session) User() types.User {
	return s.user
}

// Current returns the open room view, or nil.
func (s *Session) Current() *RoomView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SwitchRoom closes the current view before opening roomId, so nothing seen
// in the old room leaks into the new one. The new view is kept even when
// Open fails; Open can be retried on it.
func (s *Session) SwitchRoom(ctx context.Context, roomId string) (*RoomView, error) {
	var onUpdate func(Update)
	if s.onUpdate != nil {
		onUpdate = func(u Update) { s.onUpdate(roomId, u) }
	}

	view, err := NewRoomView(RoomViewConfig{
		RoomId:    roomId,
		User:      s.user,
		ServerURL: s.api.BaseURL(),
		Token:     s.api.Token(),
		History:   s.api,
		Dialer:    s.dialer,
		Logger:    s.log,
		OnUpdate:  onUpdate,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.view
	s.view = view
	s.mu.Unlock()

	// listeners run synchronously and may call back into the session, so
	// views are closed and opened without holding s.mu
	if prev != nil {
		prev.Close()
	}

	return view, view.Open(ctx)
}

// Logout closes the current view and forgets the token.
func (s *Session) Logout() {
	s.mu.Lock()
	prev := s.view
	s.view = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	s.api.SetToken("")
}
