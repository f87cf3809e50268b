package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cdcfleet/internal/task"
)

// fakeNode answers the task API from canned replies keyed by method and path
func fakeNode(t *testing.T, replies map[string]Response, seen *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.EscapedPath()
		*seen = append(*seen, key)
		res, ok := replies[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(Response{Message: "no route " + key})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(res))
	}))
}

func TestClientStartTask(t *testing.T) {
	var seen []string
	var body task.Config
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(Response{
			Success: true,
			Message: "task started",
			Result:  StartResponse{Acquired: true, Owner: "n1", Status: &task.View{TaskID: "T1", AssignedNode: "n1"}},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL + "/")
	res, err := c.StartTask(context.Background(), &task.Config{TaskID: "T1", Kind: task.KindMySQL})
	require.NoError(t, err)

	assert.Equal(t, []string{"POST /api/v1/tasks/T1/start"}, seen)
	assert.Equal(t, task.KindMySQL, body.Kind)
	assert.True(t, res.Acquired)
	assert.Equal(t, "n1", res.Owner)
	assert.Equal(t, "n1", res.Status.AssignedNode)
}

func TestClientCalls(t *testing.T) {
	var seen []string
	server := fakeNode(t, map[string]Response{
		"POST /api/v1/tasks/T1/stop":    {Success: true, Message: "task stopped"},
		"POST /api/v1/tasks/T1/restart": {Success: true, Result: StartResponse{Owner: "n2"}},
		"DELETE /api/v1/tasks/T1":       {Success: true},
		"GET /api/v1/tasks/T1":          {Success: true, Result: task.View{TaskID: "T1", LockOwner: "n2"}},
		"GET /api/v1/tasks":             {Success: true, Result: []task.View{{TaskID: "T1"}, {TaskID: "T2"}}},
		"GET /api/v1/nodes":             {Success: true, Result: []task.NodeView{{NodeID: "n1", Alive: true}}},
		"GET /health":                   {Success: true, Result: HealthResponse{NodeID: "n1", LocalTasks: []string{"T2"}}},
		"GET /api/v1/tasks/a%2Fb":       {Success: true, Result: task.View{TaskID: "a/b"}},
	}, &seen)
	defer server.Close()

	ctx := context.Background()
	c := NewClient(server.URL)

	require.NoError(t, c.StopTask(ctx, "T1"))

	res, err := c.RestartTask(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "n2", res.Owner)

	require.NoError(t, c.DeleteTask(ctx, "T1"))

	view, err := c.Task(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "n2", view.LockOwner)

	views, err := c.Tasks(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Alive)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, health.LocalTasks)

	view, err = c.Task(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", view.TaskID)

	_, err = c.Task(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientUnsuccessfulEnvelope(t *testing.T) {
	var seen []string
	server := fakeNode(t, map[string]Response{
		"POST /api/v1/tasks/T1/stop": {Success: false, Message: "store unavailable"},
	}, &seen)
	defer server.Close()

	err := NewClient(server.URL).StopTask(context.Background(), "T1")
	assert.EqualError(t, err, "store unavailable")
}
