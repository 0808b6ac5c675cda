package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/securechat/internal/types"
)

// HistoryFetcher loads up to limit persisted messages in ascending id order.
// With after set they are the oldest ones past it, otherwise the newest.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, roomId string, after, limit int) ([]types.Message, error)
}

// APIClient talks to the REST surface of the chat server.
type APIClient struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// BaseURL is the server root the client was created with.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

func (c *APIClient) doRequest(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// Login exchanges credentials for a bearer token and keeps it for later
// calls.
func (c *APIClient) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return "", err
	}

	c.SetToken(resp.AccessToken)
	return resp.AccessToken, nil
}

func (c *APIClient) Register(ctx context.Context, username, password string) (types.User, error) {
	var u types.User
	err := c.doRequest(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, &u)
	return u, err
}

// Session returns the account the current token belongs to.
func (c *APIClient) Session(ctx context.Context) (types.User, error) {
	var u types.User
	err := c.doRequest(ctx, http.MethodGet, "/api/auth/session", nil, &u)
	return u, err
}

func (c *APIClient) ListRooms(ctx context.Context) ([]types.Room, error) {
	var rooms []types.Room
	if err := c.doRequest(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *APIClient) FetchHistory(ctx context.Context, roomId string, after, limit int) ([]types.Message, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.Itoa(after))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := "/api/rooms/" + url.PathEscape(roomId) + "/messages"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var msgs []types.Message
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
