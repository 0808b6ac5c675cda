package server

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/securechat/internal/stats"
	"github.com/npezzotti/securechat/internal/store"
	"github.com/npezzotti/securechat/internal/types"
)

const idleRoomTimeout = time.Second * 5

type exitReq struct {
	done chan string
}

// Room owns the sessions of one chat room. Every admission, eviction and
// broadcast for the room runs on the goroutine started by start.
type Room struct {
	id            int
	externalId    string
	cs            *ChatServer
	joinChan      chan *Client
	leaveChan     chan *Client
	clientMsgChan chan *ClientMessage
	broadcastChan chan *types.Event
	clients       map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	// exit is used to signal the room to exit
	exit chan exitReq
	done chan struct{}
}

func newRoom(id int, externalId string, cs *ChatServer) *Room {
	return &Room{
		id:            id,
		externalId:    externalId,
		cs:            cs,
		joinChan:      make(chan *Client, 256),
		leaveChan:     make(chan *Client, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		broadcastChan: make(chan *types.Event, 256),
		clients:       make(map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq, 1),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	if r.done != nil {
		defer close(r.done)
	}

	for {
		select {
		case c := <-r.joinChan:
			r.handleJoin(c)
		case c := <-r.leaveChan:
			r.handleLeave(c)
		case msg := <-r.clientMsgChan:
			r.saveAndBroadcast(msg)
		case ev := <-r.broadcastChan:
			r.broadcast(ev, nil)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		r.log.Printf("unload channel full, restarting kill timer for room %q", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom()
		delete(r.clients, c)
	}
	r.clientLock.Unlock()

	// sessions handed to this room after the unload decision are admitted
	// again through the chat server, which loads a fresh room
	for drained := false; !drained; {
		select {
		case c := <-r.joinChan:
			go r.cs.Admit(c, r.externalId)
		default:
			drained = true
		}
	}

	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) handleJoin(c *Client) {
	// stop the kill timer since we have a new client
	if r.killTimer != nil {
		r.killTimer.Stop()
	}

	r.addClient(c)
	c.setRoom(r)
	if c.stopped() {
		r.removeClient(c)
		return
	}
	r.log.Printf("admitted %q (%s) to room %q", c.user.Username, c.id, r.externalId)

	// queued on the room goroutine, so every message persisted after this
	// point reaches c live and everything before it is in history
	c.queueMessage(types.AdmittedEvent(r.externalId))
	r.broadcast(types.SystemEvent(r.externalId, fmt.Sprintf(systemJoinedFmt, c.user.Username)), c)
}

// handleLeave removes the session and tells the remaining sessions. Leaving a
// room the session is not in does nothing.
func (r *Room) handleLeave(c *Client) {
	if !r.removeClient(c) {
		return
	}

	c.stopClient()
	r.broadcast(types.SystemEvent(r.externalId, fmt.Sprintf(systemLeftFmt, c.user.Username)), nil)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()
	r.clients[c] = struct{}{}
}

func (r *Room) getClient(c *Client) (*Client, bool) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	_, ok := r.clients[c]
	return c, ok
}

func (r *Room) numClients() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}

// removeClient reports whether c was a member of the room.
func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom()
	r.log.Printf("removed client %q from room %q", c.user.Username, r.externalId)

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 && r.killTimer != nil {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}

	return true
}

// saveAndBroadcast persists the message and, only once it is durable,
// broadcasts it to every session in the room including the sender.
func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	c := msg.client
	if _, ok := r.getClient(c); !ok {
		return
	}

	saved, err := r.cs.store.Persist(store.PersistParams{
		RoomId:      r.id,
		RoomExtId:   r.externalId,
		UserId:      c.user.Id,
		Username:    c.user.Username,
		MessageType: msg.Frame.MessageType,
		Content:     msg.Frame.Content,
		ClientId:    msg.Frame.ClientId,
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		c.queueMessage(types.ErrorEvent(errSaveFailed))
		return
	}

	r.cs.stats.Incr(stats.NumMessages)
	r.broadcast(types.MessageEvent(saved), nil)
}

// broadcast delivers ev to every session except skip. Sessions whose send
// buffer is full are evicted; delivery to the others carries on.
func (r *Room) broadcast(ev *types.Event, skip *Client) {
	r.clientLock.RLock()
	var stalled []*Client
	for c := range r.clients {
		if c == skip {
			continue
		}

		if !c.queueMessage(ev) {
			stalled = append(stalled, c)
		}
	}
	r.clientLock.RUnlock()

	for _, c := range stalled {
		r.log.Printf("evicting stalled connection %s (%q) from room %q", c.id, c.user.Username, r.externalId)
		r.cs.stats.Incr(stats.NumEvictions)
		r.handleLeave(c)
	}
}
