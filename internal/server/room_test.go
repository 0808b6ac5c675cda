package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/securechat/internal/database"
	"github.com/npezzotti/securechat/internal/stats"
	"github.com/npezzotti/securechat/internal/store"
	"github.com/npezzotti/securechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func drain(c *Client) []*types.Event {
	var evs []*types.Event
	for {
		select {
		case ev := <-c.send:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

// admit joins c to room and consumes its admission event.
func admit(t *testing.T, room *Room, c *Client) {
	t.Helper()
	room.handleJoin(c)

	select {
	case ev := <-c.send:
		require.Equal(t, types.EventAdmitted, ev.Event)
	default:
		t.Fatal("expected an admission event")
	}
}

func systemText(t *testing.T, ev *types.Event) string {
	t.Helper()
	require.Equal(t, types.EventSystem, ev.Event)
	var p types.SystemPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.Message
}

func Test_addClient_getClient_removeClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
	room := newRoom(1, "test-room", cs)

	c := newTestClient(t, cs, 1, "testuser", 1)
	room.addClient(c)
	assert.Equal(t, 1, room.numClients())

	got, ok := room.getClient(c)
	assert.True(t, ok, "expected to retrieve client")
	assert.Equal(t, c, got)

	assert.True(t, room.removeClient(c), "expected the first removal to report membership")
	assert.False(t, room.removeClient(c), "expected a second removal to be a no-op")
	assert.Equal(t, 0, room.numClients())
}

func Test_handleRoomTimeout(t *testing.T) {
	t.Run("successfully requests unload", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "test-room", cs)

		room.handleRoomTimeout()
		select {
		case req := <-cs.unloadRoomChan:
			assert.Equal(t, "test-room", req.roomId, "expected room ID to match")
		default:
			t.Error("handleRoomTimeout did not send unload request")
		}
	})

	t.Run("unload channel is full", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "test-room", cs)
		room.killTimer = time.NewTimer(0)
		<-room.killTimer.C

		cs.unloadRoomChan = make(chan unloadRoomRequest, 1)
		cs.unloadRoomChan <- unloadRoomRequest{roomId: "another-room"}

		room.handleRoomTimeout()
		assert.True(t, room.killTimer.Stop(), "expected kill timer to be restarted after failed unload request")
	})
}

func Test_handleRoomExit(t *testing.T) {
	t.Run("exit room with clients", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "testroom", cs)
		c := newTestClient(t, cs, 1, "user1", 1)
		room.addClient(c)
		c.setRoom(room)

		done := make(chan string, 1)
		room.handleRoomExit(exitReq{done: done})

		assert.Equal(t, "testroom", <-done)
		assert.Nil(t, c.getRoom(), "expected the client to be detached from the room")
		assert.Equal(t, 0, room.numClients())
	})

	t.Run("pending joins are handed back to the chat server", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "testroom", cs)
		c := newTestClient(t, cs, 1, "late", 1)
		room.joinChan <- c

		room.handleRoomExit(exitReq{})

		select {
		case req := <-cs.joinChan:
			assert.Equal(t, c, req.client)
			assert.Equal(t, "testroom", req.roomId)
		case <-time.After(time.Second):
			t.Error("expected the pending join to be resubmitted")
		}
	})
}

func Test_handleJoin(t *testing.T) {
	t.Run("joiner is admitted, others are told", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "testroom", cs)
		alice := newTestClient(t, cs, 1, "alice", 4)
		bob := newTestClient(t, cs, 2, "bob", 4)

		admit(t, room, alice)
		room.handleJoin(bob)

		aliceEvents := drain(alice)
		require.Len(t, aliceEvents, 1)
		assert.Equal(t, "bob joined the room", systemText(t, aliceEvents[0]))

		bobEvents := drain(bob)
		require.Len(t, bobEvents, 1, "expected the joiner to receive no join notice")
		assert.Equal(t, types.EventAdmitted, bobEvents[0].Event)
		var p types.AdmittedPayload
		require.NoError(t, json.Unmarshal(bobEvents[0].Payload, &p))
		assert.Equal(t, "testroom", p.RoomId)

		select {
		case <-bob.joined:
		default:
			t.Error("expected the joined signal to fire")
		}
		assert.Equal(t, room, bob.getRoom())
	})

	t.Run("admission precedes later broadcasts", func(t *testing.T) {
		db := database.NewMemoryGoChatRepository()
		dbRoom, err := db.CreateRoom(database.CreateRoomParams{Name: "General", ExternalId: "general"})
		require.NoError(t, err)

		cs := newTestChatServer(t, db, stats.NoopStats{})
		room := newRoom(dbRoom.Id, dbRoom.ExternalId, cs)
		alice := newTestClient(t, cs, 1, "alice", 4)
		bob := newTestClient(t, cs, 2, "bob", 4)
		admit(t, room, alice)

		room.saveAndBroadcast(&ClientMessage{
			Frame:  types.ClientFrame{Content: "before", MessageType: types.MessageTypeText},
			client: alice,
		})
		room.handleJoin(bob)
		room.saveAndBroadcast(&ClientMessage{
			Frame:  types.ClientFrame{Content: "after", MessageType: types.MessageTypeText},
			client: alice,
		})

		evs := drain(bob)
		require.Len(t, evs, 2)
		assert.Equal(t, types.EventAdmitted, evs[0].Event)
		require.Equal(t, types.EventMessage, evs[1].Event)
		var m types.Message
		require.NoError(t, json.Unmarshal(evs[1].Payload, &m))
		assert.Equal(t, "after", m.Content)

		// what bob missed live is exactly what history holds before his admission
		history, err := cs.store.FetchHistory(dbRoom.Id, dbRoom.ExternalId, store.Page{})
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "before", history[0].Content)
		assert.Equal(t, m.Id, history[1].Id)
	})

	t.Run("stopped client is not admitted", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "testroom", cs)
		alice := newTestClient(t, cs, 1, "alice", 4)
		gone := newTestClient(t, cs, 2, "gone", 4)
		admit(t, room, alice)
		gone.stopClient()

		room.handleJoin(gone)

		assert.Equal(t, 1, room.numClients())
		assert.Empty(t, drain(alice))
		assert.Empty(t, drain(gone))
	})

	t.Run("same user twice is two sessions", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "testroom", cs)
		tab1 := newTestClient(t, cs, 1, "alice", 4)
		tab2 := newTestClient(t, cs, 1, "alice", 4)

		admit(t, room, tab1)
		admit(t, room, tab2)

		assert.Equal(t, 2, room.numClients())
		assert.Len(t, drain(tab1), 1)
	})
}

func Test_handleLeave(t *testing.T) {
	cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
	room := newRoom(1, "testroom", cs)
	alice := newTestClient(t, cs, 1, "alice", 4)
	bob := newTestClient(t, cs, 2, "bob", 4)
	admit(t, room, alice)
	admit(t, room, bob)
	drain(alice)

	room.handleLeave(bob)
	room.handleLeave(bob)

	evs := drain(alice)
	require.Len(t, evs, 1, "expected exactly one leave notice")
	assert.Equal(t, "bob left the room", systemText(t, evs[0]))
	assert.True(t, bob.stopped(), "expected the evicted session to be stopped")
	assert.Nil(t, bob.getRoom())
	assert.Empty(t, drain(bob))
}

func Test_saveAndBroadcast(t *testing.T) {
	t.Run("save and broadcast message", func(t *testing.T) {
		db := database.NewMemoryGoChatRepository()
		dbRoom, err := db.CreateRoom(database.CreateRoomParams{Name: "General", ExternalId: "general"})
		require.NoError(t, err)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumMessages).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newRoom(dbRoom.Id, dbRoom.ExternalId, cs)
		alice := newTestClient(t, cs, 1, "alice", 4)
		bob := newTestClient(t, cs, 2, "bob", 4)
		room.addClient(alice)
		room.addClient(bob)

		room.saveAndBroadcast(&ClientMessage{
			Frame:  types.ClientFrame{Content: "hi", MessageType: types.MessageTypeText, ClientId: "tmp-1"},
			client: alice,
		})

		for _, c := range []*Client{alice, bob} {
			evs := drain(c)
			require.Len(t, evs, 1)
			require.Equal(t, types.EventMessage, evs[0].Event)

			var m types.Message
			require.NoError(t, json.Unmarshal(evs[0].Payload, &m))
			assert.Equal(t, 1, m.Id)
			assert.Equal(t, "hi", m.Content)
			assert.Equal(t, "tmp-1", m.ClientId)
			assert.Equal(t, "general", m.RoomId)
		}
	})

	t.Run("persist failure is reported to the sender only", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down")).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		room := newRoom(1, "general", cs)
		alice := newTestClient(t, cs, 1, "alice", 4)
		bob := newTestClient(t, cs, 2, "bob", 4)
		room.addClient(alice)
		room.addClient(bob)

		room.saveAndBroadcast(&ClientMessage{
			Frame:  types.ClientFrame{Content: "hi", MessageType: types.MessageTypeText},
			client: alice,
		})

		evs := drain(alice)
		require.Len(t, evs, 1)
		assert.Equal(t, types.EventError, evs[0].Event)
		assert.Empty(t, drain(bob), "expected nothing to be broadcast")
	})

	t.Run("message from a session that already left is dropped", func(t *testing.T) {
		db := &database.MockGoChatRepository{}
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, stats.NoopStats{})
		room := newRoom(1, "general", cs)
		alice := newTestClient(t, cs, 1, "alice", 4)

		room.saveAndBroadcast(&ClientMessage{
			Frame:  types.ClientFrame{Content: "hi", MessageType: types.MessageTypeText},
			client: alice,
		})
		assert.Empty(t, drain(alice))
	})
}

func Test_broadcast(t *testing.T) {
	t.Run("broadcast to all clients", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockGoChatRepository{}, stats.NoopStats{})
		room := newRoom(1, "testroom", cs)
		clients := []*Client{
			newTestClient(t, cs, 1, "a", 1),
			newTestClient(t, cs, 2, "b", 1),
			newTestClient(t, cs, 3, "c", 1),
		}
		for _, c := range clients {
			room.addClient(c)
		}

		room.broadcast(types.SystemEvent("testroom", "hello"), clients[2])

		assert.Len(t, clients[0].send, 1)
		assert.Len(t, clients[1].send, 1)
		assert.Len(t, clients[2].send, 0, "expected the skipped client to receive nothing")
	})

	t.Run("stalled session is evicted alone", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumEvictions).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, &database.MockGoChatRepository{}, su)
		room := newRoom(1, "testroom", cs)
		healthy := newTestClient(t, cs, 1, "healthy", 4)
		stalled := newTestClient(t, cs, 2, "stalled", 1)
		room.addClient(healthy)
		room.addClient(stalled)
		stalled.send <- types.SystemEvent("testroom", "filler")

		room.broadcast(types.SystemEvent("testroom", "hello"), nil)

		evs := drain(healthy)
		require.Len(t, evs, 2)
		assert.Equal(t, "hello", systemText(t, evs[0]))
		assert.Equal(t, "stalled left the room", systemText(t, evs[1]))

		_, ok := room.getClient(stalled)
		assert.False(t, ok, "expected the stalled session to be removed")
		assert.True(t, stalled.stopped(), "expected the stalled session to be closed")
	})
}
