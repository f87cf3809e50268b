// Package api exposes the coordinator of one node over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/cluster"
	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/coordinator"
	"github.com/dreamware/cdcfleet/internal/task"
)

// Coordinator is the part of *coordinator.Coordinator the API drives
type Coordinator interface {
	NodeID() string
	Start(ctx context.Context, cfg *task.Config) (coordinator.StartResult, error)
	Stop(ctx context.Context, taskID string) error
	Restart(ctx context.Context, taskID string) (coordinator.StartResult, error)
	Delete(ctx context.Context, taskID string) error
	Status(ctx context.Context, taskID string) (*task.View, error)
	List(ctx context.Context) ([]task.View, error)
	Nodes(ctx context.Context) ([]task.NodeView, error)
	LocalTasks() []string
}

type handler struct {
	coord Coordinator
	log   logrus.FieldLogger
}

// NewRouter builds the gin engine serving the task API. metrics may be nil.
func NewRouter(coord Coordinator, metrics http.Handler, log logrus.FieldLogger) *gin.Engine {
	h := &handler{coord: coord, log: log}

	r := gin.New()
	r.UseRawPath = true
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/health", h.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/tasks", h.list)
	v1.GET("/tasks/:id", h.status)
	v1.POST("/tasks/:id/start", h.start)
	v1.POST("/tasks/:id/stop", h.stop)
	v1.POST("/tasks/:id/restart", h.restart)
	v1.DELETE("/tasks/:id", h.delete)
	v1.GET("/nodes", h.nodes)
	return r
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP request")
	}
}

func ok(c *gin.Context, message string, result any) {
	c.JSON(http.StatusOK, cluster.Response{Success: true, Message: message, Result: result})
}

func (h *handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	}
	c.JSON(code, cluster.Response{Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidConfig), errors.Is(err, connector.ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrTaskNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) health(c *gin.Context) {
	ok(c, "", cluster.HealthResponse{NodeID: h.coord.NodeID(), LocalTasks: h.coord.LocalTasks()})
}

func (h *handler) start(c *gin.Context) {
	id := c.Param("id")
	var cfg task.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", task.ErrInvalidConfig, err))
		return
	}
	if cfg.TaskID == "" {
		cfg.TaskID = id
	}
	if cfg.TaskID != id {
		h.fail(c, fmt.Errorf("%w: body task id %q does not match path %q", task.ErrInvalidConfig, cfg.TaskID, id))
		return
	}

	res, err := h.coord.Start(c.Request.Context(), &cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.started(c, id, res)
}

func (h *handler) restart(c *gin.Context) {
	id := c.Param("id")
	res, err := h.coord.Restart(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.started(c, id, res)
}

func (h *handler) started(c *gin.Context, id string, res coordinator.StartResult) {
	out := cluster.StartResponse{Acquired: res.Acquired, Owner: res.Owner}
	view, err := h.coord.Status(c.Request.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("task", id).Warn("Status after start failed")
	}
	out.Status = view

	msg := "task started"
	if !res.Acquired {
		msg = "task is owned by " + res.Owner
	}
	ok(c, msg, out)
}

func (h *handler) stop(c *gin.Context) {
	if err := h.coord.Stop(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "task stopped", nil)
}

func (h *handler) delete(c *gin.Context) {
	if err := h.coord.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "task deleted", nil)
}

func (h *handler) status(c *gin.Context) {
	view, err := h.coord.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "", view)
}

func (h *handler) list(c *gin.Context) {
	views, err := h.coord.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "", views)
}

func (h *handler) nodes(c *gin.Context) {
	nodes, err := h.coord.Nodes(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, "", nodes)
}
