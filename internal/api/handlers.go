package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/securechat/internal/auth"
	"github.com/npezzotti/securechat/internal/database"
	"github.com/npezzotti/securechat/internal/server"
	"github.com/npezzotti/securechat/internal/store"
	"github.com/npezzotti/securechat/internal/types"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 8
	maxPasswordLength = 64
	minRoomNameLength = 3
	maxRoomNameLength = 100
	maxTopicLength    = 512

	wsAuthFailed    = "authentication failed"
	wsInternalError = "internal server error"
)

// errAccountLookup marks an identity that could not be checked, as opposed to
// one that was checked and rejected.
var errAccountLookup = errors.New("account lookup")

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateRoomRequest struct {
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

func between(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	return n >= lo && n <= hi
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !between(req.Username, minUsernameLength, maxUsernameLength) ||
		!between(req.Password, minPasswordLength, maxPasswordLength) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newUser, err := s.db.CreateAccount(database.CreateAccountParams{
		Username:     req.Username,
		PasswordHash: pwdHash,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrDuplicate) {
			errResp = NewConflictError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.User{
		Id:        newUser.Id,
		Username:  newUser.Username,
		CreatedAt: newUser.CreatedAt,
	})
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id.UserId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:        user.Id,
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	})
}

func (s *GoChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Username == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByUsername(lr.Username)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.tokens.Issue(auth.Identity{UserId: dbUser.Id, Username: dbUser.Username}, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, LoginResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, _ *http.Request) {
	dbRooms, err := s.db.ListRooms()
	if err != nil {
		s.log.Println("list rooms:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, r := range dbRooms {
		rooms = append(rooms, types.Room{
			Id:        r.ExternalId,
			Name:      r.Name,
			Topic:     r.Topic,
			CreatedAt: r.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var createRoomReq CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&createRoomReq); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !between(createRoomReq.Name, minRoomNameLength, maxRoomNameLength) ||
		utf8.RuneCountInString(createRoomReq.Topic) > maxTopicLength {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.newShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	newRoom, err := s.db.CreateRoom(database.CreateRoomParams{
		Name:       createRoomReq.Name,
		Topic:      createRoomReq.Topic,
		ExternalId: sid,
	})
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrDuplicate) {
			errResp = NewConflictError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Room{
		Id:        newRoom.ExternalId,
		Name:      newRoom.Name,
		Topic:     newRoom.Topic,
		CreatedAt: newRoom.CreatedAt,
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New(key + " must not be negative")
	}
	return n, nil
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room, err := s.db.GetRoomByExternalId(r.PathValue("id"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	after, errAfter := queryInt(r, "after")
	before, errBefore := queryInt(r, "before")
	limit, errLimit := queryInt(r, "limit")
	if err := errors.Join(errAfter, errBefore, errLimit); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	page := store.Page{After: after, Before: before, Limit: limit}

	messages, err := s.store.FetchHistory(room.Id, room.ExternalId, page)
	if err != nil {
		s.log.Println("fetch history:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

// serveWs upgrades first and authenticates second, so a rejected client
// learns why from the close frame rather than a failed handshake.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	user, err := s.authenticateWs(r)
	if err != nil {
		s.log.Println("websocket authentication:", err)
		if errors.Is(err, errAccountLookup) {
			server.CloseConn(conn, websocket.CloseInternalServerErr, wsInternalError)
		} else {
			server.CloseConn(conn, websocket.ClosePolicyViolation, wsAuthFailed)
		}
		conn.Close()
		return
	}

	roomId := r.PathValue("id")
	client := server.NewClient(user, roomId, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
	s.cs.Admit(client, roomId)
}

func (s *GoChatApp) authenticateWs(r *http.Request) (types.User, error) {
	tokenString, err := auth.TokenFromRequest(r)
	if err != nil {
		return types.User{}, err
	}

	id, err := s.tokens.Validate(tokenString)
	if err != nil {
		return types.User{}, err
	}

	dbUser, err := s.db.GetAccountById(id.UserId)
	if errors.Is(err, database.ErrNotFound) {
		return types.User{}, err
	}
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %w", errAccountLookup, err)
	}

	return types.User{Id: dbUser.Id, Username: dbUser.Username, CreatedAt: dbUser.CreatedAt}, nil
}
