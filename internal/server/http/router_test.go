package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/agent/scripted"
	"agentd/internal/history"
	"agentd/internal/runtime"
	"agentd/internal/runtime/ports"
	"agentd/internal/state"
)

type failingStateStore struct {
	err error
}

func (s *failingStateStore) Load(context.Context, string, string) (ports.RunState, error) {
	return nil, s.err
}

func (s *failingStateStore) Save(context.Context, string, string, ports.RunState) error {
	return s.err
}

type gatewayFixture struct {
	handler http.Handler
	states  ports.StateStore
}

func newGateway(t *testing.T, opts ...func(*RouterConfig)) *gatewayFixture {
	t.Helper()
	states, err := state.NewMemoryStore(64)
	require.NoError(t, err)
	return newGatewayWithStores(t, states, history.NewMemoryStore(), opts...)
}

func newGatewayWithStores(t *testing.T, states ports.StateStore, hist ports.HistoryStore, opts ...func(*RouterConfig)) *gatewayFixture {
	t.Helper()
	factory := scripted.NewFactory(scripted.Config{ChunkSize: 4}, nil)
	coord := runtime.NewCoordinator(factory, states,
		runtime.NewMultiplexer(runtime.WithHeartbeatInterval(0)),
		runtime.WithHistoryStore(hist),
	)
	cfg := RouterConfig{Runner: coord, States: states, History: hist}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &gatewayFixture{handler: NewRouter(cfg), states: states}
}

func (f *gatewayFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" || strings.HasPrefix(chunk, ":") {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "unexpected frame %q", chunk)
		frames = append(frames, strings.TrimPrefix(chunk, "data: "))
	}
	return frames
}

func TestProcessStreamDelivery(t *testing.T) {
	gw := newGateway(t)
	rec := gw.post(t, `{"session_id":"s1","user_id":"u1","input":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := sseFrames(t, rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	var final ports.Event
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &final))
	assert.True(t, final.IsFinal)

	var payload struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(final.Payload, &payload))
	assert.Equal(t, "echo: hello", payload.Text)
}

func TestProcessBufferedDelivery(t *testing.T) {
	gw := newGateway(t)
	rec := gw.post(t, `{"session_id":"s1","user_id":"u1","stream":false,"input":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "data: ")

	var body runtime.BufferedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, "u1", body.UserID)
	assert.Greater(t, body.EventCount, 1)
	assert.JSONEq(t, `{"text":"echo: hello","turn":1}`, string(body.Output))
}

func TestProcessDefaultsSessionAndUser(t *testing.T) {
	gw := newGateway(t)
	rec := gw.post(t, `{"stream":false,"input":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body runtime.BufferedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.SessionID, "a session id is minted when absent")
	assert.Equal(t, "default_user", body.UserID)
}

func TestProcessStatePersistsAcrossRequests(t *testing.T) {
	gw := newGateway(t)

	for want := 1; want <= 3; want++ {
		rec := gw.post(t, `{"session_id":"s1","user_id":"u1","stream":false,"input":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var body runtime.BufferedResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		var payload struct {
			Turn int `json:"turn"`
		}
		require.NoError(t, json.Unmarshal(body.Output, &payload))
		assert.Equal(t, want, payload.Turn, "turn counter survives across requests")
	}
}

func TestProcessSessionsAreIsolated(t *testing.T) {
	gw := newGateway(t)

	_ = gw.post(t, `{"session_id":"s1","user_id":"u1","stream":false,"input":[{"role":"user","content":"hi"}]}`)
	rec := gw.post(t, `{"session_id":"s2","user_id":"u1","stream":false,"input":[{"role":"user","content":"hi"}]}`)

	var body runtime.BufferedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	var payload struct {
		Turn int `json:"turn"`
	}
	require.NoError(t, json.Unmarshal(body.Output, &payload))
	assert.Equal(t, 1, payload.Turn, "a different session starts fresh")
}

func TestProcessContentPartArrayForm(t *testing.T) {
	gw := newGateway(t)
	rec := gw.post(t, `{"session_id":"s1","stream":false,"input":[{"role":"user","content":[{"type":"text","text":"part "},{"type":"text","text":"two"}]}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body runtime.BufferedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, string(body.Output), "part two")
}

func TestProcessRejectsMalformedRequests(t *testing.T) {
	gw := newGateway(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"empty input", `{"session_id":"s1","input":[]}`},
		{"missing input", `{"session_id":"s1"}`},
		{"unknown role", `{"input":[{"role":"robot","content":"hi"}]}`},
		{"empty content", `{"input":[{"role":"user","content":[]}]}`},
		{"bad content type", `{"input":[{"role":"user","content":42}]}`},
		{"bad session id", `{"session_id":"has spaces","input":[{"role":"user","content":"hi"}]}`},
		{"oversized session id", `{"session_id":"` + strings.Repeat("a", 200) + `","input":[{"role":"user","content":"hi"}]}`},
		{"trailing garbage", `{"input":[{"role":"user","content":"hi"}]} extra`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := gw.post(t, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request", body.Error.Code)
		})
	}
}

func TestProcessMethodNotAllowed(t *testing.T) {
	gw := newGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/process", nil)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProcessBufferedFailureIsJSONError(t *testing.T) {
	states := &failingStateStore{err: errors.New("backend down")}
	gw := newGatewayWithStores(t, states, history.NewMemoryStore())

	rec := gw.post(t, `{"session_id":"s1","stream":false,"input":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "state_persistence_error", body.Error.Code)
}

func TestProcessStreamFailureEmitsErrorFrame(t *testing.T) {
	factory := ports.ComputationFactoryFunc(func(context.Context, ports.RunState, ports.HistoryHandle) (ports.Computation, error) {
		return nil, errors.New("agent unavailable")
	})
	states, err := state.NewMemoryStore(8)
	require.NoError(t, err)
	coord := runtime.NewCoordinator(factory, states, runtime.NewMultiplexer(runtime.WithHeartbeatInterval(0)))
	handler := NewRouter(RouterConfig{Runner: coord, States: states})

	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(`{"session_id":"s1","input":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The failure happened before any stream bytes, so the gateway still
	// owns the status line.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "computation_error", body.Error.Code)
}

func TestProcessSaveFailureSurfacesAsWarning(t *testing.T) {
	states, err := state.NewMemoryStore(8)
	require.NoError(t, err)
	flaky := &saveFailingStore{inner: states}
	gw := newGatewayWithStores(t, flaky, history.NewMemoryStore())

	rec := gw.post(t, `{"session_id":"s1","stream":false,"input":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, "a save failure must not fail the request")

	var body runtime.BufferedResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Warnings, 1)
	assert.Contains(t, body.Warnings[0], "state persistence failed")
}

type saveFailingStore struct {
	inner ports.StateStore
}

func (s *saveFailingStore) Load(ctx context.Context, sessionID, userID string) (ports.RunState, error) {
	return s.inner.Load(ctx, sessionID, userID)
}

func (s *saveFailingStore) Save(context.Context, string, string, ports.RunState) error {
	return errors.New("disk full")
}

func TestProcessConcurrencyLimit(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	factory := ports.ComputationFactoryFunc(func(context.Context, ports.RunState, ports.HistoryHandle) (ports.Computation, error) {
		return &blockingComputation{block: block, started: started}, nil
	})
	states, err := state.NewMemoryStore(8)
	require.NoError(t, err)
	coord := runtime.NewCoordinator(factory, states, runtime.NewMultiplexer(runtime.WithHeartbeatInterval(0)))
	handler := NewRouter(RouterConfig{Runner: coord, States: states, MaxConcurrentRuns: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(`{"session_id":"s1","input":[{"role":"user","content":"hi"}]}`))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-started

	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(`{"session_id":"s2","input":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(block)
	wg.Wait()
}

type blockingComputation struct {
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (c *blockingComputation) Run(ctx context.Context, _ []ports.Message) (*ports.EventStream, error) {
	stream := ports.NewEventStream(1)
	go func() {
		c.once.Do(func() { close(c.started) })
		select {
		case <-c.block:
		case <-ctx.Done():
		}
		_ = stream.Emit(ctx, ports.Event{Sequence: 1, Payload: json.RawMessage(`{}`), IsFinal: true, Timestamp: time.Now()})
		stream.Close()
	}()
	return stream, nil
}

func (c *blockingComputation) CurrentState() (ports.RunState, error) { return nil, nil }

func TestHealthEndpoint(t *testing.T) {
	gw := newGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["state_store"])
}

func TestHealthDegradedWhenStateStoreFails(t *testing.T) {
	states := &failingStateStore{err: errors.New("backend down")}
	gw := newGatewayWithStores(t, states, history.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestCORSPreflight(t *testing.T) {
	gw := newGateway(t, func(cfg *RouterConfig) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/process", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	gw.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
