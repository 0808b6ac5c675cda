package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/securechat/internal/auth"
	"github.com/npezzotti/securechat/internal/types"
)

const (
	reconnectDelay  = 3000 * time.Millisecond
	writeWait       = 10 * time.Second
	connectTimeout  = 10 * time.Second
	historyPageSize = 50

	closeTextRoomNotFound = "room not found"
)

var ErrRoomNotFound = errors.New("room not found")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is the part of *websocket.Conn a view uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, urlStr string) (Conn, error)
}

// WebsocketDialer adapts a gorilla dialer to Dialer.
type WebsocketDialer struct {
	*websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, urlStr string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, urlStr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Update is handed to the listener after every visible change.
type Update struct {
	State    State
	Rendered bool
	Err      error
}

type stopper interface {
	Stop() bool
}

type RoomViewConfig struct {
	RoomId    string
	User      types.User
	ServerURL string
	Token     string
	History   HistoryFetcher
	Dialer    Dialer
	Logger    *log.Logger
	Now       func() time.Time
	OnUpdate  func(Update)
}

// RoomView keeps one room's connection alive and feeds its reconciler. Its
// mutex stands in for a single cooperative context: the reconciler is only
// touched while holding it, and listeners run after it is released.
type RoomView struct {
	roomId   string
	user     types.User
	wsURL    string
	history  HistoryFetcher
	dialer   Dialer
	log      *log.Logger
	onUpdate func(Update)

	afterFunc func(d time.Duration, f func()) stopper

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	conn  Conn
	gen   int
	timer stopper
	recon *Reconciler
}

func NewRoomView(cfg RoomViewConfig) (*RoomView, error) {
	wsURL, err := realtimeURL(cfg.ServerURL, cfg.RoomId, cfg.Token)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RoomView{
		roomId:   cfg.RoomId,
		user:     cfg.User,
		wsURL:    wsURL,
		history:  cfg.History,
		dialer:   dialer,
		log:      logger,
		onUpdate: cfg.OnUpdate,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		ctx:    ctx,
		cancel: cancel,
		state:  Disconnected,
		recon:  NewReconciler(cfg.Now),
	}, nil
}

func realtimeURL(serverURL, roomId, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/rooms/" + roomId
	u.RawPath = ""
	u.RawQuery = url.Values{auth.TokenQueryKey: {token}}.Encode()
	return u.String(), nil
}

func (v *RoomView) RoomId() string {
	return v.roomId
}

func (v *RoomView) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *RoomView) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recon.Entries()
}

func (v *RoomView) notify(u Update) {
	if v.onUpdate != nil {
		v.onUpdate(u)
	}
}

// Open connects and loads history. It is a no-op unless the view is
// Disconnected.
func (v *RoomView) Open(ctx context.Context) error {
	v.mu.Lock()
	switch v.state {
	case Closed:
		v.mu.Unlock()
		return ErrClosed
	case Disconnected:
	default:
		v.mu.Unlock()
		return nil
	}
	v.state = Connecting
	v.gen++
	gen := v.gen
	v.mu.Unlock()

	v.notify(Update{State: Connecting})

	if err := v.connect(ctx, gen); err != nil {
		v.fail(gen, err)
		return err
	}
	return nil
}

// connect dials, waits for the room to admit the session, then loads the
// history past the last seen id and starts reading. The room admits a session
// between two persisted messages, so history read after admission holds
// everything the live stream will not.
func (v *RoomView) connect(ctx context.Context, gen int) error {
	conn, err := v.dialer.Dial(ctx, v.wsURL)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("dial: %w", err)}
	}

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	v.conn = conn
	after := v.recon.LastId()
	v.mu.Unlock()

	if err := v.awaitAdmission(ctx, conn, gen); err != nil {
		v.drop(conn, gen)
		return err
	}

	msgs, err := v.loadHistory(ctx, after)
	if err != nil {
		v.drop(conn, gen)
		return err
	}

	v.mu.Lock()
	if v.gen != gen {
		// Close already took the connection down
		v.mu.Unlock()
		return ErrClosed
	}
	rendered := v.recon.LoadHistory(msgs) > 0
	v.state = Connected
	v.mu.Unlock()

	v.log.Printf("connected to room %s", v.roomId)
	go v.readLoop(conn, gen)

	v.notify(Update{State: Connected, Rendered: rendered})
	return nil
}

// awaitAdmission reads until the admission event. Live frames cannot precede
// it, so anything else is dropped.
func (v *RoomView) awaitAdmission(ctx context.Context, conn Conn, gen int) error {
	deadline := time.Now().Add(connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			v.mu.Lock()
			stale := v.gen != gen
			v.mu.Unlock()

			switch {
			case stale:
				return ErrClosed
			case ctx.Err() != nil:
				return &TransientError{Err: fmt.Errorf("await admission: %w", ctx.Err())}
			}

			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return v.policyError(ce)
			}
			terr := &TransientError{Err: fmt.Errorf("await admission: %w", err)}
			if ce != nil {
				terr.Code = ce.Code
			}
			return terr
		}

		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			v.log.Println(&ProtocolError{Frame: data, Err: err})
			continue
		}
		if ev.Event == types.EventAdmitted {
			return nil
		}
		v.log.Printf("room %s: dropping %q event before admission", v.roomId, ev.Event)
	}
}

// loadHistory pages forward from after until a short page. A first load
// (after == 0) reads only the newest page.
func (v *RoomView) loadHistory(ctx context.Context, after int) ([]types.Message, error) {
	if v.history == nil {
		return nil, nil
	}

	var out []types.Message
	for {
		page, err := v.history.FetchHistory(ctx, v.roomId, after, historyPageSize)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				switch apiErr.StatusCode {
				case http.StatusUnauthorized:
					return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
				case http.StatusNotFound:
					return nil, fmt.Errorf("%w: %v", ErrRoomNotFound, err)
				}
			}
			return nil, &TransientError{Err: fmt.Errorf("fetch history: %w", err)}
		}

		out = append(out, page...)
		if after == 0 || len(page) < historyPageSize {
			return out, nil
		}

		next := page[len(page)-1].Id
		if next <= after {
			return out, nil
		}
		after = next
	}
}

// drop abandons a connection that never reached Connected.
func (v *RoomView) drop(conn Conn, gen int) {
	v.mu.Lock()
	if v.gen == gen && v.conn == conn {
		v.conn = nil
	}
	v.mu.Unlock()

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	conn.Close()
}

// policyError tells a missing room apart from a rejected credential. Neither
// is retried.
func (v *RoomView) policyError(ce *websocket.CloseError) error {
	if ce.Text == closeTextRoomNotFound {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, v.roomId)
	}
	return fmt.Errorf("%w: %s", ErrAuthFailed, ce.Text)
}

// fail leaves the view Disconnected after a failed connect.
func (v *RoomView) fail(gen int, err error) {
	v.mu.Lock()
	if v.gen != gen || v.state == Closed {
		v.mu.Unlock()
		return
	}
	v.state = Disconnected
	v.mu.Unlock()

	v.log.Printf("room %s: %v", v.roomId, err)
	v.notify(Update{State: Disconnected, Err: err})
}

func (v *RoomView) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			v.handleClose(conn, gen, err)
			return
		}

		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			perr := &ProtocolError{Frame: data, Err: err}
			v.log.Println(perr)
			v.notify(Update{State: Connected, Err: perr})
			continue
		}

		v.mu.Lock()
		if v.gen != gen {
			v.mu.Unlock()
			return
		}
		rendered, err := v.recon.Apply(ev)
		state := v.state
		v.mu.Unlock()

		if err != nil {
			v.log.Println(err)
		}
		v.notify(Update{State: state, Rendered: rendered, Err: err})
	}
}

// handleClose decides what a lost connection means. A normal close stops
// here; a policy violation is terminal and reported; anything else gets one
// reconnect attempt after reconnectDelay.
func (v *RoomView) handleClose(conn Conn, gen int, err error) {
	conn.Close()

	v.mu.Lock()
	if v.gen != gen || v.state == Closed {
		v.mu.Unlock()
		return
	}
	v.conn = nil

	var update Update
	var ce *websocket.CloseError
	isClose := errors.As(err, &ce)

	switch {
	case isClose && ce.Code == websocket.CloseNormalClosure:
		v.state = Disconnected
		update = Update{State: Disconnected}
	case isClose && ce.Code == websocket.ClosePolicyViolation:
		v.state = Disconnected
		update = Update{State: Disconnected, Err: v.policyError(ce)}
	default:
		terr := &TransientError{Err: err}
		if isClose {
			terr.Code = ce.Code
		}
		v.state = Reconnecting
		v.timer = v.afterFunc(reconnectDelay, func() { v.reconnect(gen) })
		update = Update{State: Reconnecting, Err: terr}
	}
	v.mu.Unlock()

	v.log.Printf("room %s: connection closed: %v", v.roomId, err)
	v.notify(update)
}

// reconnect is the single attempt scheduled by handleClose. If it fails the
// view stays Disconnected until Open is called again.
func (v *RoomView) reconnect(gen int) {
	v.mu.Lock()
	if v.gen != gen || v.state != Reconnecting {
		v.mu.Unlock()
		return
	}
	v.timer = nil
	v.gen++
	gen = v.gen
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(v.ctx, connectTimeout)
	defer cancel()

	if err := v.connect(ctx, gen); err != nil {
		v.fail(gen, err)
	}
}

// Send renders content optimistically and writes it to the live connection.
// It never queues: without a connection it fails with ErrNotConnected and
// nothing is rendered.
func (v *RoomView) Send(content string) (Entry, error) {
	v.mu.Lock()
	if v.state != Connected || v.conn == nil {
		v.mu.Unlock()
		return Entry{}, ErrNotConnected
	}

	e := v.recon.Optimistic(v.user.Id, v.user.Username, content, types.MessageTypeText)
	frame, err := json.Marshal(types.ClientFrame{
		Content:     content,
		MessageType: types.MessageTypeText,
		ClientId:    e.TempId,
	})
	if err == nil {
		v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = v.conn.WriteMessage(websocket.TextMessage, frame)
	}
	if err != nil {
		v.recon.Fail(e.TempId, err)
		e.Status = StatusFailed
		e.Err = err
	}
	state := v.state
	v.mu.Unlock()

	if err != nil {
		err = &TransientError{Err: fmt.Errorf("write: %w", err)}
	}
	v.notify(Update{State: state, Rendered: true, Err: err})
	return e, err
}

// Close tears the view down for good: the socket, any scheduled reconnect
// and all reconciler state are discarded.
func (v *RoomView) Close() {
	v.mu.Lock()
	if v.state == Closed {
		v.mu.Unlock()
		return
	}
	v.state = Closed
	v.gen++
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	conn := v.conn
	v.conn = nil
	v.recon.Reset()
	v.mu.Unlock()

	v.cancel()
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		conn.Close()
	}

	v.notify(Update{State: Closed})
}
