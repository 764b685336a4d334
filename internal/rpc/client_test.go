package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/parityleague/backend/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedDoer replays one response (or transport error) per call and
// records every request body it saw.
type scriptedDoer struct {
	responses []scriptedResponse
	requests  [][]byte
}

type scriptedResponse struct {
	body string
	err  error
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	d.requests = append(d.requests, body)

	idx := len(d.requests) - 1
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	r := d.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

func resultBody(result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":"1"}`, result)
}

func errorBody(leagueCode string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"boom","data":{"error_code":%q}},"id":"1"}`, leagueCode)
}

func newTestClient(t *testing.T, doer Doer, attempts int) (*Client, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	c := NewClient(protocol.AgentReferee, "ref-1", NewBreakerSet(5, time.Minute), attempts,
		zap.NewNop(),
		WithTransport(doer),
		WithJitter(func() float64 { return 0.5 }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)
	return c, &delays
}

func TestCallRetriesRetryableErrors(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{body: resultBody(`{"ok":true}`)},
	}}
	c, delays := newTestClient(t, doer, 3)

	result, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgLeagueQuery,
		protocol.LeagueQueryParams{LeagueID: "league-001"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Len(t, doer.requests, 3)
	// Nominal 2s then 4s, jitter factor pinned to 1.0.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)
}

func TestCallStopsAfterMaxAttempts(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{err: errors.New("down")}}}
	c, _ := newTestClient(t, doer, 3)

	_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgLeagueQuery,
		protocol.LeagueQueryParams{LeagueID: "league-001"})
	require.Error(t, err)
	var lerr *protocol.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, protocol.CodeServiceUnavailable, lerr.Code)
	assert.Len(t, doer.requests, 3)
}

func TestCallDoesNotRetryTerminalErrors(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{body: errorBody(protocol.CodeValidation)}}}
	c, delays := newTestClient(t, doer, 3)

	_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgLeagueQuery,
		protocol.LeagueQueryParams{LeagueID: "league-001"})
	require.Error(t, err)
	var lerr *protocol.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, protocol.CodeValidation, lerr.Code)
	assert.Len(t, doer.requests, 1)
	assert.Empty(t, *delays)
}

func TestParityCallGetsSingleAttempt(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{err: errors.New("down")}}}
	c, delays := newTestClient(t, doer, 3)

	_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgChooseParityCall,
		protocol.ChooseParityCallParams{MatchID: "R1M1"})
	require.Error(t, err)
	assert.Len(t, doer.requests, 1)
	assert.Empty(t, *delays)
}

func TestBackoffIsCappedAtTenSeconds(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{err: errors.New("down")}}}
	c, delays := newTestClient(t, doer, 5)

	_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgLeagueQuery,
		protocol.LeagueQueryParams{LeagueID: "league-001"})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, *delays)
}

func TestCallEnvelopeOverlay(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{body: resultBody(`{}`)}}}
	c, _ := newTestClient(t, doer, 3)
	c.SetToken("tok-abc")

	_, err := c.Call(context.Background(), "http://localhost:9100", "get_standings",
		protocol.LeagueQueryParams{LeagueID: "league-001"})
	require.NoError(t, err)
	require.Len(t, doer.requests, 1)

	var req Request
	require.NoError(t, json.Unmarshal(doer.requests[0], &req))
	assert.Equal(t, protocol.MsgLeagueQuery, req.Method, "aliases canonicalize before the wire")
	require.NotNil(t, req.ID)

	var params map[string]any
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, protocol.Version, params["protocol"])
	assert.Equal(t, protocol.MsgLeagueQuery, params["message_type"])
	assert.Equal(t, "referee:ref-1", params["sender"])
	assert.Equal(t, "tok-abc", params["auth_token"])
	assert.NotEmpty(t, params["conversation_id"])
	assert.True(t, protocol.ValidTimestamp(params["timestamp"].(string)))
}

func TestCallPreservesCallerConversationID(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{body: resultBody(`{}`)}}}
	c, _ := newTestClient(t, doer, 3)

	_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgGameInvitation,
		protocol.GameInvitationParams{
			Envelope: protocol.Envelope{ConversationID: "conv-fixed"},
			MatchID:  "R1M1",
		})
	require.NoError(t, err)

	var req Request
	require.NoError(t, json.Unmarshal(doer.requests[0], &req))
	var params map[string]any
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "conv-fixed", params["conversation_id"])
}

func TestNotifyOmitsIDAndNeverRetries(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{err: errors.New("down")}}}
	c, delays := newTestClient(t, doer, 3)

	err := c.Notify(context.Background(), "http://localhost:9100", protocol.MsgGameOver,
		protocol.GameOverParams{MatchID: "R1M1"})
	require.Error(t, err)
	assert.Len(t, doer.requests, 1)
	assert.Empty(t, *delays)
}

func TestCallFailsFastWhileBreakerOpen(t *testing.T) {
	doer := &scriptedDoer{responses: []scriptedResponse{{err: errors.New("down")}}}
	c, _ := newTestClient(t, doer, 3)

	// 3 + 2 transport failures trip the threshold of 5.
	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgLeagueQuery,
			protocol.LeagueQueryParams{LeagueID: "league-001"})
		require.Error(t, err)
	}
	sent := len(doer.requests)
	require.Equal(t, 5, sent)

	_, err := c.Call(context.Background(), "http://localhost:9100", protocol.MsgLeagueQuery,
		protocol.LeagueQueryParams{LeagueID: "league-001"})
	require.Error(t, err)
	var lerr *protocol.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, protocol.CodeCircuitOpen, lerr.Code)
	assert.Equal(t, sent, len(doer.requests), "open breaker performs no network I/O")
}
