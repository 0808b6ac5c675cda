package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/securechat/internal/config"
	"github.com/npezzotti/securechat/internal/database"
	"github.com/npezzotti/securechat/internal/server"
	"github.com/npezzotti/securechat/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewGoChatApp(t *testing.T) {
	mux := http.NewServeMux()
	logger := testutil.TestLogger(t)
	cs := &server.ChatServer{}
	db := &database.MockGoChatRepository{}
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewGoChatApp(mux, logger, cs, db, nil, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.mux, "expected mux to be initialized")
	assert.Equal(t, app.log, logger, "expected logger to be set")
	assert.Equal(t, app.db, db, "expected db to be set")
	assert.Equal(t, app.cs, cs, "expected chat server to be set")
	assert.Equal(t, app.signingKey, cfg.SigningKey, "expected signing key to be set")
	assert.Equal(t, app.mux.Addr, cfg.ServerAddr, "expected server address to match config")
	assert.NotNil(t, app.tokens, "expected token validator to be set")
}

func TestNewGoChatApp_CORS(t *testing.T) {
	app := NewGoChatApp(http.NewServeMux(), testutil.TestLogger(t), nil, &database.MockGoChatRepository{}, nil, &config.Config{
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}
