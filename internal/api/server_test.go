package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cdcfleet/internal/cluster"
	"github.com/dreamware/cdcfleet/internal/config"
	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/coordinator"
	"github.com/dreamware/cdcfleet/internal/metrics"
	"github.com/dreamware/cdcfleet/internal/storage"
	"github.com/dreamware/cdcfleet/internal/task"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// idleEngine runs until closed
type idleEngine struct{ done chan struct{} }

func (e *idleEngine) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-e.done:
	}
	return nil
}

func (e *idleEngine) Close() error {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	return nil
}

type testNode struct {
	coord   *coordinator.Coordinator
	router  *gin.Engine
	metrics *metrics.Metrics
}

func newTestNode(t *testing.T, store storage.Store, nodeID string) *testNode {
	log := logrus.New()
	log.SetOutput(io.Discard)

	engines := connector.NewRegistry()
	for _, k := range task.Kinds {
		engines.Register(k, func(connector.Params, connector.Handler) (connector.Engine, error) {
			return &idleEngine{done: make(chan struct{})}, nil
		})
	}
	m := metrics.New()
	coord, err := coordinator.New(coordinator.Options{
		NodeID:  nodeID,
		Store:   store,
		Timing:  config.DefaultTiming(),
		Engines: engines,
		Env:     connector.Env{DataDir: t.TempDir()},
		Metrics: m,
		Log:     log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Destroy(context.Background()) })
	return &testNode{coord: coord, router: NewRouter(coord, m.Handler(), log), metrics: m}
}

func (n *testNode) do(t *testing.T, method, path string, body any) (int, cluster.Response, json.RawMessage) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)

	var env struct {
		cluster.Response
		Raw json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env.Response, env.Raw
}

const mysqlTask = `{
	"taskId": "T1",
	"taskType": "mysql_cdc",
	"dataSourceConfigs": [{"connectionConfig": {"hostname": "db", "port": 3306, "username": "repl", "database": "shop"}}],
	"cdcTables": [{"sourceTableName": "shop.orders"}]
}`

func TestStartStatusStop(t *testing.T) {
	n := newTestNode(t, storage.NewMemoryStore(), "n1")

	code, env, raw := n.do(t, http.MethodPost, "/api/v1/tasks/T1/start", json.RawMessage(mysqlTask))
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.True(t, env.Success)
	assert.Equal(t, "task started", env.Message)

	var started cluster.StartResponse
	require.NoError(t, json.Unmarshal(raw, &started))
	assert.True(t, started.Acquired)
	assert.Equal(t, "n1", started.Owner)
	require.NotNil(t, started.Status)
	assert.Equal(t, task.StateRunning, started.Status.Status.State)
	assert.Equal(t, task.KindMySQL, started.Status.Config.Kind)

	code, _, raw = n.do(t, http.MethodGet, "/api/v1/tasks/T1", nil)
	require.Equal(t, http.StatusOK, code)
	var view task.View
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.True(t, view.RunningOnCurrentNode)
	assert.Equal(t, "n1", view.LockOwner)

	code, env, _ = n.do(t, http.MethodPost, "/api/v1/tasks/T1/stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "task stopped", env.Message)
	assert.Empty(t, n.coord.LocalTasks())

	code, _, raw = n.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	var views []task.View
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 1)
	assert.Equal(t, task.StateStopped, views[0].Status.State)
}

func TestStartOwnedElsewhere(t *testing.T) {
	store := storage.NewMemoryStore()
	n1 := newTestNode(t, store, "n1")
	n2 := newTestNode(t, store, "n2")

	code, _, _ := n1.do(t, http.MethodPost, "/api/v1/tasks/T1/start", json.RawMessage(mysqlTask))
	require.Equal(t, http.StatusOK, code)

	code, env, raw := n2.do(t, http.MethodPost, "/api/v1/tasks/T1/start", json.RawMessage(mysqlTask))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "task is owned by n1", env.Message)
	var res cluster.StartResponse
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.False(t, res.Acquired)
	assert.Equal(t, "n1", res.Owner)
	assert.False(t, res.Status.RunningOnCurrentNode)
}

func TestErrorStatusCodes(t *testing.T) {
	n := newTestNode(t, storage.NewMemoryStore(), "n1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"unknown kind", http.MethodPost, "/api/v1/tasks/T1/start",
			json.RawMessage(`{"taskType":"ORACLE_CDC","dataSourceConfigs":[{"connectionConfig":{}}]}`), http.StatusBadRequest},
		{"no data source", http.MethodPost, "/api/v1/tasks/T1/start",
			json.RawMessage(`{"taskType":"MYSQL_CDC"}`), http.StatusBadRequest},
		{"mismatched id", http.MethodPost, "/api/v1/tasks/T2/start", json.RawMessage(mysqlTask), http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/tasks/T1/start", json.RawMessage(`[]`), http.StatusBadRequest},
		{"unknown task status", http.MethodGet, "/api/v1/tasks/nope", nil, http.StatusNotFound},
		{"unknown task restart", http.MethodPost, "/api/v1/tasks/nope/restart", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env, _ := n.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, code, env.Message)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestRestartAndDelete(t *testing.T) {
	n := newTestNode(t, storage.NewMemoryStore(), "n1")

	code, _, _ := n.do(t, http.MethodPost, "/api/v1/tasks/T1/start", json.RawMessage(mysqlTask))
	require.Equal(t, http.StatusOK, code)

	code, env, _ := n.do(t, http.MethodPost, "/api/v1/tasks/T1/restart", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, []string{"T1"}, n.coord.LocalTasks())

	code, env, _ = n.do(t, http.MethodDelete, "/api/v1/tasks/T1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "task deleted", env.Message)

	code, _, _ = n.do(t, http.MethodGet, "/api/v1/tasks/T1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	n := newTestNode(t, store, "n1")
	require.NoError(t, n.coord.Open(context.Background()))

	code, _, raw := n.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	var health cluster.HealthResponse
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, "n1", health.NodeID)

	code, _, raw = n.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, code)
	var nodes []task.NodeView
	require.NoError(t, json.Unmarshal(raw, &nodes))
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Alive)
}

func TestMetricsRoute(t *testing.T) {
	n := newTestNode(t, storage.NewMemoryStore(), "n1")
	n.metrics.Takeovers.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cdcfleet_takeovers_total 1")
}
