package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleet-orchestrator/internal/models"
)

const maxErrorBody = 4 << 10

// ForwardHandler delivers a job to the operations service that talks to panels,
// payment providers and notification gateways. A 2xx reply is success; anything else
// fails the execution and leaves the retry decision to the queue.
type ForwardHandler struct {
	baseURL    string
	httpClient *http.Client
}

// NewForwardHandler builds a handler posting to baseURL/<operation>.
func NewForwardHandler(baseURL string, timeout time.Duration) *ForwardHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ForwardHandler{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Handle posts the job payload.
func (h *ForwardHandler) Handle(ctx context.Context, job models.Job) error {
	body := job.Payload
	if len(body) == 0 {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+string(job.Type), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", job.ID)
	req.Header.Set("X-Job-Attempt", fmt.Sprint(job.Attempts+1))
	if job.Tenant != "" {
		req.Header.Set("X-Tenant-ID", job.Tenant)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: status %d: %s", job.Type, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// RegisterForwarding binds every known operation to h.
func RegisterForwarding(reg *Registry, h *ForwardHandler) {
	for _, op := range models.OperationTypes {
		reg.MustRegister(op, h.Handle)
	}
}
