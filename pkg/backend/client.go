// Package backend talks to the conversation backend: a one-shot HTTP call
// that creates a server-side session, and a websocket [Channel] that carries
// microphone audio up and synthesized speech plus control messages down.
//
// Typical usage:
//
//	c := backend.NewClient("http://localhost:8080")
//	id, err := c.StartSession(ctx, backend.Conversation{Model: "nova-2"})
//	ch, err := backend.Dial(ctx, "ws://localhost:8080/ws", id)
//	defer ch.Close()
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/avatarlink/internal/resilience"
)

const (
	defaultTimeout   = 10 * time.Second
	startSessionPath = "/start-conversation"

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

// Conversation is the profile sent when a session is created.
type Conversation struct {
	InitialPrompt string `json:"initialPrompt"`
	Model         string `json:"model"`
	VoiceID       string `json:"voiceId"`
	Language      string `json:"language"`
}

type startResponse struct {
	ConnectionID string `json:"connectionId"`
}

// Client creates sessions on the conversation backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// ClientOption is a functional option for [NewClient].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient = &http.Client{Timeout: d} }
}

// WithBreaker guards StartSession with cb. Without it every call goes
// straight to the network.
func WithBreaker(cb *resilience.Breaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// NewClient returns a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartSession asks the backend to create a conversation and returns its
// session identifier. Every failure, including a tripped circuit breaker,
// wraps [ErrSessionStartFailed].
func (c *Client) StartSession(ctx context.Context, conv Conversation) (string, error) {
	var id string
	call := func(ctx context.Context) error {
		var err error
		id, err = c.startSession(ctx, conv)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrSessionStartFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSessionStartFailed, err)
	}
	return id, nil
}

func (c *Client) startSession(ctx context.Context, conv Conversation) (string, error) {
	body, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %w", ErrSessionStartFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startSessionPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", ErrSessionStartFailed, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionStartFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: status %d: %s", ErrSessionStartFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrSessionStartFailed, err)
	}
	if out.ConnectionID == "" {
		return "", fmt.Errorf("%w: response has no connectionId", ErrSessionStartFailed)
	}

	slog.Debug("backend session created", "session_id", out.ConnectionID, "request_id", requestID)
	return out.ConnectionID, nil
}
