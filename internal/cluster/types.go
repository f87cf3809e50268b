package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/cdcfleet/internal/task"
)

// Response is the envelope of every API reply
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// StartResponse is the result of a start or restart call
type StartResponse struct {
	Acquired bool       `json:"acquired"`
	Owner    string     `json:"owner,omitempty"`
	Status   *task.View `json:"status,omitempty"`
}

// HealthResponse describes the answering node
type HealthResponse struct {
	NodeID     string   `json:"nodeId"`
	LocalTasks []string `json:"localTasks"`
}

// APIError is a non-2xx reply
type APIError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// DoJSON sends body as JSON, if not nil, and decodes the reply into out, if
// not nil. Replies with a status of 300 or more become an *APIError carrying
// the envelope message when there is one.
func DoJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{URL: url, StatusCode: resp.StatusCode}
		var env Response
		if json.NewDecoder(resp.Body).Decode(&env) == nil {
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
