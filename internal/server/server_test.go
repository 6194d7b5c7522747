package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shiftsync/internal/db"
	"github.com/kimhsiao/shiftsync/internal/draft"
	"github.com/kimhsiao/shiftsync/internal/models"
	shiftsync "github.com/kimhsiao/shiftsync/internal/sync"
	"github.com/kimhsiao/shiftsync/internal/sync/connectivity"
	"github.com/kimhsiao/shiftsync/internal/sync/queue"
	"github.com/kimhsiao/shiftsync/internal/sync/reconcile"
)

// =====================================================
// Test Helpers
// =====================================================

type fixture struct {
	srv     *Server
	http    *httptest.Server
	queue   *queue.Queue
	store   *reconcile.Store
	monitor *connectivity.Monitor
}

// echoHandler confirms every mutation with a server ID derived from the
// operation ID.
func echoHandler(ctx context.Context, op models.QueuedOperation) (*models.Entity, error) {
	id := op.EntityID
	if op.Kind == models.KindCreateEquipment {
		id = "srv-" + op.ID[:8]
	}
	return &models.Entity{ID: id, Type: op.EntityType, Fields: op.Payload, Version: 1}, nil
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()

	reg := queue.NewRegistry()
	for _, kind := range models.AllKinds() {
		require.NoError(t, reg.Register(kind, echoHandler))
	}
	promReg := prom.NewRegistry()
	records := db.NewMemoryStore()

	q := queue.New(records, reg, queue.DefaultConfig(), queue.WithRegisterer(promReg))
	store := reconcile.NewStore(reconcile.FetchFunc(func(ctx context.Context) ([]models.Entity, error) {
		return []models.Entity{{ID: "u-1", Type: "user", Version: 1}}, nil
	}))
	monitor := connectivity.NewMonitor(online)
	engine := shiftsync.NewSyncEngine(shiftsync.Deps{
		Queue:    q,
		Registry: reg,
		Store:    store,
		Monitor:  monitor,
	}, shiftsync.DefaultConfig())
	t.Cleanup(engine.Close)

	drafts := draft.NewManager(records, draft.DefaultConfig())
	t.Cleanup(drafts.Close)

	srv := New("127.0.0.1:0", Deps{
		Engine:   engine,
		Queue:    q,
		Entities: store,
		Changes:  store,
		Drafts:   drafts,
		Gatherer: promReg,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Shutdown(context.Background())
	})

	return &fixture{srv: srv, http: hs, queue: q, store: store, monitor: monitor}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func createBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"kind":        "create_equipment",
		"entity_type": "equipment",
		"payload":     map[string]string{"name": name},
	}
}

// =====================================================
// Sync Endpoint Tests
// =====================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	resp, body := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","service":"shiftsync"}`, string(body))
}

// TestSubmit_offline verifies an offline mutation is accepted, queued and
// visible in the entity view under its placeholder ID.
func TestSubmit_offline(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodPost, "/sync/mutations", createBody("Ventilator"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var res shiftsync.SendResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, shiftsync.OutcomeQueued, res.Outcome)
	require.NotNil(t, res.Entity)

	resp, body = f.do(t, http.MethodGet, "/entities/equipment/"+res.Entity.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Ventilator")

	resp, body = f.do(t, http.MethodGet, "/sync/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"online":false,"pending":1,"failed":0,"in_flight":1,"summary":"Offline: 1 change queued"}`, string(body))

	var queued struct {
		Pending []models.QueuedOperation `json:"pending"`
		Failed  []models.QueuedOperation `json:"failed"`
	}
	_, body = f.do(t, http.MethodGet, "/sync/queue", nil)
	require.NoError(t, json.Unmarshal(body, &queued))
	require.Len(t, queued.Pending, 1)
	assert.Equal(t, res.OperationID, queued.Pending[0].ID)
	assert.Empty(t, queued.Failed)
}

func TestSubmit_onlineSent(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodPost, "/sync/mutations", createBody("Scanner"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res shiftsync.SendResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, shiftsync.OutcomeSent, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Entity.ID, "srv-"))

	_, body = f.do(t, http.MethodGet, "/entities/equipment", nil)
	var list []models.Entity
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, res.Entity.ID, list[0].ID)
}

func TestSubmit_invalid(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodPost, "/sync/mutations", map[string]string{"kind": "launch_rocket", "entity_type": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"code":"INVALID_INPUT"`)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/sync/mutations", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

// TestTriggerSync verifies POST /sync/now replays what was queued offline.
func TestTriggerSync(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPost, "/sync/mutations", createBody("A"))
	f.do(t, http.MethodPost, "/sync/mutations", createBody("B"))

	resp, body := f.do(t, http.MethodPost, "/sync/now", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"replayed":2,"failed":0,"pending":0,"stopped":false}`, string(body))
	assert.Equal(t, 0, f.queue.PendingCount())
}

func TestDiscard_unknown(t *testing.T) {
	f := newFixture(t, true)
	resp, body := f.do(t, http.MethodDelete, "/sync/queue/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, true)
	resp, _ := f.do(t, http.MethodPost, "/sync/refresh", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.store.IsConfirmed("user", "u-1"))
}

// =====================================================
// Draft Endpoint Tests
// =====================================================

func TestDrafts(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodGet, "/drafts", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPut, "/drafts", map[string]interface{}{
		"payload":   map[string]string{"notes": "bed 4 stable"},
		"immediate": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/drafts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rec models.DraftRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.JSONEq(t, `{"notes":"bed 4 stable"}`, string(rec.Payload))

	resp, _ = f.do(t, http.MethodDelete, "/drafts", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/drafts", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/drafts", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =====================================================
// Metrics and WebSocket Tests
// =====================================================

func TestMetrics(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPost, "/sync/mutations", createBody("Counted"))

	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "shiftsync_queue_pending 1")
}

// TestWebSocket_status verifies a connected client receives status updates
// and entity changes.
func TestWebSocket_status(t *testing.T) {
	f := newFixture(t, false)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.do(t, http.MethodPost, "/sync/mutations", createBody("Live"))

	seen := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !(seen[EventSyncStatus] && seen[EventEntityChanged]) {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(msg, &env))
		seen[env.Type] = true
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := map[string]bool{
		"localhost:8091": true,
		"127.0.0.1:8091": true,
		"[::1]:8091":     true,
		"example.com":    false,
		"10.0.0.2:8091":  false,
	}
	for host, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		assert.Equal(t, want, localOrigin(r), host)
	}
}

func TestStartShutdown(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.srv.Start())

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))
}
