package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/securechat/internal/database"
	"github.com/npezzotti/securechat/internal/ratelimit"
	"github.com/npezzotti/securechat/internal/stats"
	"github.com/npezzotti/securechat/internal/store"
	"github.com/npezzotti/securechat/internal/types"
)

// ChatServer loads rooms on demand and routes sessions and broadcasts to
// them. Loaded rooms are only added or removed on the Run goroutine.
type ChatServer struct {
	log            *log.Logger
	db             database.GoChatRepository
	store          *store.Store
	limiter        ratelimit.Limiter
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.RWMutex
	joinChan       chan joinRequest
	broadcastChan  chan broadcastRequest
	unloadRoomChan chan unloadRoomRequest
	roomsMap       sync.Map
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.GoChatRepository, st *store.Store, limiter ratelimit.Limiter, su stats.StatsProvider) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("repository is required")
	}

	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumSessions)
	su.RegisterMetric(stats.NumMessages)
	su.RegisterMetric(stats.NumEvictions)

	return &ChatServer{
		log:            logger,
		db:             db,
		store:          st,
		limiter:        limiter,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		joinChan:       make(chan joinRequest, 256),
		broadcastChan:  make(chan broadcastRequest, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.joinChan:
			cs.handleJoinRoom(req)
		case req := <-cs.broadcastChan:
			cs.handleBroadcast(req)
		case req := <-cs.unloadRoomChan:
			cs.handleUnloadRequest(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			cs.closeAllClients()
			cs.unloadAllRooms()
			close(cs.done)
			close(req.done)
			return
		}
	}
}

// Admit hands an authenticated client to its room. If the room does not
// exist the connection is closed with a policy violation.
func (cs *ChatServer) Admit(c *Client, roomId string) {
	select {
	case <-cs.done:
		c.closeWith(websocket.CloseGoingAway, closeServerShutdown)
		return
	default:
	}

	select {
	case cs.joinChan <- joinRequest{client: c, roomId: roomId}:
	case <-cs.done:
		c.closeWith(websocket.CloseGoingAway, closeServerShutdown)
	}
}

// Evict removes the client from its room. Evicting a client that is not in a
// room does nothing.
func (cs *ChatServer) Evict(c *Client) {
	r := c.getRoom()
	if r == nil {
		return
	}

	select {
	case r.leaveChan <- c:
	case <-r.done:
	}
}

// Broadcast delivers ev to every session in the room at the time the room
// processes it. Rooms that are not loaded have no sessions.
func (cs *ChatServer) Broadcast(roomId string, ev *types.Event) {
	select {
	case cs.broadcastChan <- broadcastRequest{roomId: roomId, event: ev}:
	case <-cs.done:
	}
}

func (cs *ChatServer) handleJoinRoom(req joinRequest) {
	if r, ok := cs.getRoom(req.roomId); ok {
		select {
		case r.joinChan <- req.client:
		default:
			cs.log.Printf("join channel full on room %q", r.externalId)
			req.client.closeWith(websocket.CloseTryAgainLater, errServiceUnavailable)
		}
		return
	}

	dbRoom, err := cs.db.GetRoomByExternalId(req.roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			cs.log.Printf("room %q not found", req.roomId)
			req.client.closeWith(websocket.ClosePolicyViolation, closeRoomNotFound)
			return
		}

		cs.log.Println("GetRoomByExternalId:", err)
		req.client.closeWith(websocket.CloseInternalServerErr, closeInternalError)
		return
	}

	r := newRoom(dbRoom.Id, dbRoom.ExternalId, cs)
	cs.addRoom(r.externalId, r)
	r.joinChan <- req.client

	go r.start()
}

func (cs *ChatServer) handleBroadcast(req broadcastRequest) {
	r, ok := cs.getRoom(req.roomId)
	if !ok {
		return
	}

	select {
	case r.broadcastChan <- req.event:
	default:
		cs.log.Printf("broadcast channel full on room %q", r.externalId)
	}
}

// handleUnloadRequest unloads an idle room unless a session joined after
// the room asked to be unloaded.
func (cs *ChatServer) handleUnloadRequest(req unloadRoomRequest) {
	r, ok := cs.getRoom(req.roomId)
	if !ok {
		return
	}

	if r.numClients() > 0 {
		cs.log.Printf("room %q is active again, keeping it loaded", r.externalId)
		return
	}

	cs.unloadRoom(req.roomId)
}

func (cs *ChatServer) unloadRoom(roomId string) {
	r, ok := cs.getRoom(roomId)
	if !ok {
		return
	}

	cs.removeRoom(roomId)

	done := make(chan string, 1)
	r.exit <- exitReq{done: done}
	<-done
}

func (cs *ChatServer) unloadAllRooms() {
	var ids []string
	cs.roomsMap.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})

	for _, id := range ids {
		cs.log.Println("shutting down room", id)
		cs.unloadRoom(id)
	}
}

func (cs *ChatServer) closeAllClients() {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.clients {
		go c.closeWith(websocket.CloseGoingAway, closeServerShutdown)
	}
}

func (cs *ChatServer) addRoom(id string, r *Room) {
	cs.roomsMap.Store(id, r)
	cs.stats.Incr(stats.NumActiveRooms)
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	r, ok := cs.roomsMap.Load(id)
	if !ok {
		return nil, false
	}
	return r.(*Room), true
}

func (cs *ChatServer) removeRoom(id string) {
	if _, loaded := cs.roomsMap.LoadAndDelete(id); loaded {
		cs.log.Printf("removing room %q", id)
		cs.stats.Decr(stats.NumActiveRooms)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.log.Printf("adding connection from %q", c.user.Username)
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumSessions)
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	cs.log.Printf("removing connection from %q", c.user.Username)
	delete(cs.clients, c)
	cs.stats.Decr(stats.NumSessions)
}

// Shutdown stops every room and closes every client. It returns ctx.Err()
// if the server does not finish in time.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
