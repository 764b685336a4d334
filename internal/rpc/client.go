package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parityleague/backend/internal/protocol"
	"go.uber.org/zap"
)

// Doer abstracts the HTTP transport so tests can inject a deterministic one.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the outbound half of the RPC substrate. Every call composes
// encode -> authenticate -> timeout -> retry -> breaker -> send.
type Client struct {
	agentType string
	agentID   string
	http      Doer
	breakers  *BreakerSet
	log       *zap.Logger

	maxAttempts int
	sleep       func(context.Context, time.Duration) error
	jitter      func() float64

	mu    sync.RWMutex
	token string
}

// ClientOption tweaks a Client; used mostly by tests.
type ClientOption func(*Client)

// WithTransport replaces the HTTP transport.
func WithTransport(d Doer) ClientOption {
	return func(c *Client) { c.http = d }
}

// WithSleep replaces the backoff sleep function.
func WithSleep(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// WithJitter replaces the jitter source with a deterministic one.
func WithJitter(fn func() float64) ClientOption {
	return func(c *Client) { c.jitter = fn }
}

// NewClient builds a client for one agent identity. The breaker set is
// shared by all calls the process makes.
func NewClient(agentType, agentID string, breakers *BreakerSet, maxAttempts int, log *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		agentType:   agentType,
		agentID:     agentID,
		http:        &http.Client{Timeout: 35 * time.Second},
		breakers:    breakers,
		log:         log,
		maxAttempts: maxAttempts,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the auth token issued at registration.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the currently held auth token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// envelope fills the shared fields of a params payload. A zero
// conversationID gets a fresh UUID.
func (c *Client) envelope(messageType, conversationID string) protocol.Envelope {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return protocol.Envelope{
		Protocol:       protocol.Version,
		MessageType:    messageType,
		Sender:         protocol.FormatSender(c.agentType, c.agentID),
		Timestamp:      protocol.Now(),
		ConversationID: conversationID,
		AuthToken:      c.Token(),
	}
}

// encode marshals params and overlays the envelope fields.
func (c *Client) encode(method, conversationID string, params any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, "", fmt.Errorf("marshal params: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("params must be an object: %w", err)
	}
	if cid, ok := m["conversation_id"].(string); ok && cid != "" {
		conversationID = cid
	}
	env := c.envelope(method, conversationID)
	m["protocol"] = env.Protocol
	m["message_type"] = env.MessageType
	m["sender"] = env.Sender
	m["timestamp"] = env.Timestamp
	m["conversation_id"] = env.ConversationID
	if env.AuthToken != "" {
		m["auth_token"] = env.AuthToken
	}
	out, err := json.Marshal(m)
	return out, env.ConversationID, err
}

// backoff returns the nominal delay for a retry attempt (1-based), with
// full jitter in [0.5, 1.5] of nominal. Nominal doubles from 2s, capped 10s.
func (c *Client) backoff(attempt int) time.Duration {
	nominal := 2 * time.Second << (attempt - 1)
	if nominal > 10*time.Second {
		nominal = 10 * time.Second
	}
	factor := 0.5 + c.jitter()
	return time.Duration(float64(nominal) * factor)
}

// Call performs an authenticated JSON-RPC call subject to the per-method
// deadline, the retry policy and the endpoint's circuit breaker.
func (c *Client) Call(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	canonical, ok := protocol.Canonical(method)
	if !ok {
		return nil, protocol.NewError(protocol.CodeUnknownMethod, "unknown method %q", method)
	}

	body, conversationID, err := c.encode(canonical, "", params)
	if err != nil {
		return nil, err
	}

	// The parity call gets exactly one attempt: its deadline is
	// authoritative for fairness, transport retries would extend it.
	attempts := c.maxAttempts
	if canonical == protocol.MsgChooseParityCall {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, callErr := c.attempt(ctx, endpoint, canonical, conversationID, body, true)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		var lerr *protocol.Error
		if !errors.As(callErr, &lerr) || !lerr.Retryable() || attempt == attempts {
			break
		}
		delay := c.backoff(attempt)
		c.log.Debug("retrying call",
			zap.String("endpoint", endpoint),
			zap.String("method", canonical),
			zap.String("conversation_id", conversationID),
			zap.String("error_code", lerr.Code),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, protocol.NewError(protocol.CodeTimeout, "call cancelled during backoff: %v", err)
		}
	}
	return nil, lastErr
}

// Notify sends a JSON-RPC notification: no id, no response decoding, no
// retry. Breaker accounting still applies so a dead recipient trips fast.
func (c *Client) Notify(ctx context.Context, endpoint, method string, params any) error {
	canonical, ok := protocol.Canonical(method)
	if !ok {
		return protocol.NewError(protocol.CodeUnknownMethod, "unknown method %q", method)
	}
	body, conversationID, err := c.encode(canonical, "", params)
	if err != nil {
		return err
	}
	_, err = c.attempt(ctx, endpoint, canonical, conversationID, body, false)
	return err
}

// attempt performs one HTTP round trip under the method deadline and feeds
// the endpoint breaker.
func (c *Client) attempt(ctx context.Context, endpoint, method, conversationID string, params json.RawMessage, withID bool) (json.RawMessage, error) {
	br := c.breakers.For(endpoint)
	if berr := br.Allow(); berr != nil {
		return nil, berr.WithContext(method, conversationID)
	}

	req := Request{JSONRPC: "2.0", Method: method, Params: params}
	if withID {
		req.ID = json.RawMessage(fmt.Sprintf("%q", uuid.NewString()))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		br.Failure()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, protocol.Deadline(method))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint+"/mcp", bytes.NewReader(payload))
	if err != nil {
		br.Failure()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		br.Failure()
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, protocol.NewError(protocol.CodeTimeout, "call to %s %s exceeded deadline", endpoint, method).WithContext(method, conversationID)
		}
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "endpoint %s unreachable: %v", endpoint, err).WithContext(method, conversationID)
	}
	defer resp.Body.Close()

	if !withID {
		// Notification: nothing to decode.
		if resp.StatusCode >= 500 {
			br.Failure()
			return nil, protocol.NewError(protocol.CodeServiceUnavailable, "endpoint %s returned %d", endpoint, resp.StatusCode)
		}
		br.Success()
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		br.Failure()
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "read response from %s: %v", endpoint, err)
	}

	var rpcResp Response
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		br.Failure()
		return nil, protocol.NewError(protocol.CodeValidation, "malformed response from %s: %v", endpoint, err)
	}

	if rpcResp.Error != nil {
		lerr := &protocol.Error{
			Code:           rpcResp.Error.Data.ErrorCode,
			Message:        rpcResp.Error.Message,
			MessageType:    rpcResp.Error.Data.MessageType,
			ConversationID: rpcResp.Error.Data.ConversationID,
		}
		if lerr.Code == "" {
			lerr.Code = protocol.CodeServiceUnavailable
		}
		if lerr.Retryable() {
			br.Failure()
		} else {
			// Terminal rejections are the endpoint working as intended.
			br.Success()
		}
		return nil, lerr
	}

	br.Success()
	return rpcResp.Result, nil
}
