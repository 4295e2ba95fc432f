package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"agent-orchestrator/backend/pkg/models"
)

// HTTPSpecialist is an HTTP implementation of the Specialist interface.
type HTTPSpecialist struct {
	url    string
	client *http.Client
}

// NewHTTPSpecialist creates a new HTTPSpecialist.
func NewHTTPSpecialist(baseURL string, timeout time.Duration) *HTTPSpecialist {
	return &HTTPSpecialist{url: baseURL, client: &http.Client{Timeout: timeout}}
}

// Dispatch posts the task to {url}/stages/{stage}.
func (c *HTTPSpecialist) Dispatch(ctx context.Context, task models.StageTask) error {
	requestBody, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	endpoint := c.url + "/stages/" + url.PathEscape(task.Stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to dispatch %s for %s: status code %d", task.Stage, task.RequestID, resp.StatusCode)
	}
	return nil
}
