package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/cdcfleet/internal/task"
)

// Client calls the task API of one node
type Client struct {
	base string
}

// NewClient returns a client for the node at base, e.g. http://10.0.0.5:8090
func NewClient(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/")}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var env envelope
	if err := DoJSON(ctx, method, c.base+path, body, &env); err != nil {
		return err
	}
	if !env.Success {
		return errors.New(env.Message)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func taskPath(id string, action ...string) string {
	p := "/api/v1/tasks/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

// StartTask submits cfg and starts it on the node if the task is free
func (c *Client) StartTask(ctx context.Context, cfg *task.Config) (*StartResponse, error) {
	var res StartResponse
	if err := c.call(ctx, http.MethodPost, taskPath(cfg.TaskID, "start"), cfg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) StopTask(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, taskPath(id, "stop"), nil, nil)
}

func (c *Client) RestartTask(ctx context.Context, id string) (*StartResponse, error) {
	var res StartResponse
	if err := c.call(ctx, http.MethodPost, taskPath(id, "restart"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, taskPath(id), nil, nil)
}

// Task returns the merged status of one task
func (c *Client) Task(ctx context.Context, id string) (*task.View, error) {
	var view task.View
	if err := c.call(ctx, http.MethodGet, taskPath(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) Tasks(ctx context.Context) ([]task.View, error) {
	var views []task.View
	if err := c.call(ctx, http.MethodGet, "/api/v1/tasks", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *Client) Nodes(ctx context.Context) ([]task.NodeView, error) {
	var nodes []task.NodeView
	if err := c.call(ctx, http.MethodGet, "/api/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
