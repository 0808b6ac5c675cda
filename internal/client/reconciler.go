// Package client is the consuming side of the realtime protocol: a per-room
// view that keeps a socket alive and a reconciler that turns optimistic sends,
// live broadcasts and history pages into one deduplicated timeline.
package client

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/securechat/internal/types"
)

const (
	systemSuppressWindow = 2000 * time.Millisecond
	systemEvictAfter     = 5000 * time.Millisecond
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

type EntryKind int

const (
	KindMessage EntryKind = iota
	KindSystem
	KindError
)

// Entry is one rendered line of the timeline. Message is set for KindMessage;
// Text carries system notices and server errors.
type Entry struct {
	TempId  string
	Kind    EntryKind
	Status  Status
	Message types.Message
	Text    string
	At      time.Time
	Err     error
}

// Reconciler owns all client-side delivery state for a single room view. It
// is not safe for concurrent use; RoomView serializes access.
type Reconciler struct {
	now func() time.Time

	timeline []Entry
	seen     map[int]struct{}
	// pending maps a temp id to its index in timeline. Entries are replaced
	// in place and never removed, so indexes stay valid until Reset.
	pending map[string]int
	recent  map[string]time.Time
}

func NewReconciler(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}

	r := &Reconciler{now: now}
	r.Reset()
	return r
}

// Reset discards everything known about the current room.
func (r *Reconciler) Reset() {
	r.timeline = nil
	r.seen = make(map[int]struct{})
	r.pending = make(map[string]int)
	r.recent = make(map[string]time.Time)
}

// Optimistic renders a message before the server has acknowledged it. The
// returned temp id doubles as the client_id sent with the frame.
func (r *Reconciler) Optimistic(userId int, username, content string, mt types.MessageType) Entry {
	tempId := uuid.NewString()
	e := Entry{
		TempId: tempId,
		Kind:   KindMessage,
		Status: StatusPending,
		Message: types.Message{
			UserId:      userId,
			Username:    username,
			Content:     content,
			MessageType: mt,
			ClientId:    tempId,
			CreatedAt:   r.now(),
		},
		At: r.now(),
	}

	r.pending[tempId] = len(r.timeline)
	r.timeline = append(r.timeline, e)
	return e
}

// Fail marks a pending entry as failed. It reports whether the entry was
// still pending.
func (r *Reconciler) Fail(tempId string, err error) bool {
	idx, ok := r.pending[tempId]
	if !ok {
		return false
	}

	delete(r.pending, tempId)
	r.timeline[idx].Status = StatusFailed
	r.timeline[idx].Err = err
	return true
}

// Apply folds one server event into the timeline and reports whether anything
// new was rendered. Undecodable payloads and unknown event types come back as
// a *ProtocolError.
func (r *Reconciler) Apply(ev types.Event) (bool, error) {
	switch ev.Event {
	case types.EventMessage:
		var m types.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return false, &ProtocolError{Frame: ev.Payload, Err: err}
		}
		return r.applyMessage(m), nil
	case types.EventSystem:
		var p types.SystemPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false, &ProtocolError{Frame: ev.Payload, Err: err}
		}
		return r.applySystem(p.Message), nil
	case types.EventError:
		var p types.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false, &ProtocolError{Frame: ev.Payload, Err: err}
		}
		r.timeline = append(r.timeline, Entry{Kind: KindError, Text: p.Message, At: r.now()})
		return true, nil
	case types.EventAdmitted:
		return false, nil
	default:
		return false, &ProtocolError{Frame: ev.Payload, Err: fmt.Errorf("unknown event %q", ev.Event)}
	}
}

// LoadHistory applies a page of persisted messages through the same dedup
// as live traffic and returns how many were rendered.
func (r *Reconciler) LoadHistory(msgs []types.Message) int {
	n := 0
	for _, m := range msgs {
		if r.applyMessage(m) {
			n++
		}
	}
	return n
}

func (r *Reconciler) applyMessage(m types.Message) bool {
	if _, ok := r.seen[m.Id]; ok {
		return false
	}
	r.seen[m.Id] = struct{}{}

	if idx, ok := r.match(m); ok {
		tempId := r.timeline[idx].TempId
		delete(r.pending, tempId)
		r.timeline[idx] = Entry{
			TempId:  tempId,
			Kind:    KindMessage,
			Status:  StatusDelivered,
			Message: m,
			At:      r.now(),
		}
		return true
	}

	r.timeline = append(r.timeline, Entry{
		Kind:    KindMessage,
		Status:  StatusDelivered,
		Message: m,
		At:      r.now(),
	})
	return true
}

// match finds the pending entry a durable message confirms. An echoed
// client_id is authoritative; without one, the oldest pending entry with the
// same author, content and type wins. Two identical rapid sends can swap
// places under the fallback.
func (r *Reconciler) match(m types.Message) (int, bool) {
	if m.ClientId != "" {
		idx, ok := r.pending[m.ClientId]
		return idx, ok
	}

	best := -1
	for _, idx := range r.pending {
		p := r.timeline[idx].Message
		if p.UserId != m.UserId || p.Content != m.Content || p.MessageType != m.MessageType {
			continue
		}
		if best < 0 || idx < best {
			best = idx
		}
	}
	return best, best >= 0
}

func (r *Reconciler) applySystem(text string) bool {
	now := r.now()
	for k, at := range r.recent {
		if now.Sub(at) >= systemEvictAfter {
			delete(r.recent, k)
		}
	}

	if at, ok := r.recent[text]; ok && now.Sub(at) < systemSuppressWindow {
		return false
	}
	r.recent[text] = now

	r.timeline = append(r.timeline, Entry{Kind: KindSystem, Text: text, At: now})
	return true
}

// Entries returns a copy of the timeline in render order.
func (r *Reconciler) Entries() []Entry {
	return slices.Clone(r.timeline)
}

// Pending returns the number of sends still awaiting confirmation.
func (r *Reconciler) Pending() int {
	return len(r.pending)
}

// LastId is the highest durable id seen so far, or 0.
func (r *Reconciler) LastId() int {
	last := 0
	for id := range r.seen {
		last = max(last, id)
	}
	return last
}
