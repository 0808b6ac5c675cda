package server

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/securechat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

// Client is one authenticated realtime session bound to a single room.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	roomId     string
	room       *Room
	roomLock   sync.RWMutex
	send       chan *types.Event
	joined     chan struct{}
	joinOnce   sync.Once
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, roomId string, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		roomId:     roomId,
		send:       make(chan *types.Event, sendBufferSize),
		joined:     make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for connection %s", c.id)
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.cleanup()
		c.log.Printf("read exiting for connection %s", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	// frames are only accepted once the room has admitted the session
	select {
	case <-c.joined:
	case <-c.stop:
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.handleFrame(raw)
	}
}

// handleFrame validates one inbound frame and hands it to the session's room.
// Invalid frames are answered with an error event and otherwise dropped.
func (c *Client) handleFrame(raw []byte) {
	frame, err := parseClientFrame(raw)
	if err != nil {
		c.log.Printf("dropping frame from %q: %v", c.user.Username, err)
		c.queueMessage(types.ErrorEvent(errInvalidPayload))
		return
	}

	if !c.allowPublish() {
		c.queueMessage(types.ErrorEvent(errRateLimited))
		return
	}

	r := c.getRoom()
	if r == nil {
		c.queueMessage(types.ErrorEvent(errNotJoined))
		return
	}

	select {
	case r.clientMsgChan <- &ClientMessage{Frame: frame, Timestamp: Now(), client: c}:
	default:
		c.log.Printf("clientMsgChan full for room %q", r.externalId)
		c.queueMessage(types.ErrorEvent(errServiceUnavailable))
	}
}

// allowPublish consults the rate limiter. A limiter failure lets the message
// through.
func (c *Client) allowPublish() bool {
	if c.chatServer == nil || c.chatServer.limiter == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, err := c.chatServer.limiter.Allow(ctx, strconv.Itoa(c.user.Id))
	if err != nil {
		c.log.Println("rate limiter:", err)
		return true
	}

	return ok
}

// queueMessage enqueues without blocking and reports whether the event fit
// in the send buffer.
func (c *Client) queueMessage(msg *types.Event) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to connection %s, channel is full", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *types.Event) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient signals both pumps to exit. The write pump closes the socket.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// closeWith sends a close frame with the given code and stops the client.
func (c *Client) closeWith(code int, text string) {
	if c.conn != nil {
		CloseConn(c.conn, code, text)
	}
	c.stopClient()
}

// cleanup stops the client before evicting it so a concurrent admission
// either sees the stop or is undone by the eviction.
func (c *Client) cleanup() {
	c.stopClient()
	c.chatServer.DeRegisterClient(c)
	c.chatServer.Evict(c)
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	c.room = r
	c.roomLock.Unlock()

	c.joinOnce.Do(func() { close(c.joined) })
}

func (c *Client) delRoom() {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()
	c.room = nil
}

func (c *Client) getRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()
	return c.room
}

// CloseConn writes a close control frame. It is safe to call concurrently
// with the write pump.
func CloseConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
