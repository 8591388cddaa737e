package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/reliability"
)

// TunnelClient drives a self-hosted generation node reached through an
// authenticated tunnel. The node mirrors the queue contract: submit
// returns a job id, polling reports on it.
type TunnelClient struct {
	baseURL   string
	authToken string
	httpc     *http.Client
}

// NewTunnelClient constructs the adapter.
func NewTunnelClient(baseURL, authToken string) *TunnelClient {
	return &TunnelClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		httpc:     newHTTPClient(120 * time.Second),
	}
}

// Name identifies the backend.
func (c *TunnelClient) Name() string { return "tunnel" }

type tunnelJobRequest struct {
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	ImageURL   string         `json:"image_url,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
	NSFW       bool           `json:"nsfw,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

type tunnelJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submit hands a job to the node and returns its id.
func (c *TunnelClient) Submit(ctx context.Context, req domain.GenerationRequest) (string, error) {
	body := tunnelJobRequest{
		Model:      req.Model,
		Prompt:     req.Prompt,
		ImageURL:   req.ImageURL,
		Resolution: req.Resolution,
		NSFW:       req.NSFW,
		Params:     req.Params,
	}
	var resp tunnelJobResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/generate", body, &resp); err != nil {
		return "", fmt.Errorf("op=tunnel.submit: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("op=tunnel.submit: empty job id")
	}
	return resp.JobID, nil
}

// Poll reports progress on a node job.
func (c *TunnelClient) Poll(ctx context.Context, requestID string) (domain.GenerationPoll, error) {
	var resp tunnelJobResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/jobs/"+requestID, nil, &resp); err != nil {
		return domain.GenerationPoll{}, fmt.Errorf("op=tunnel.poll: %w", err)
	}

	switch resp.Status {
	case "queued":
		return domain.GenerationPoll{State: domain.GenPending}, nil
	case "running":
		return domain.GenerationPoll{State: domain.GenRunning}, nil
	case "done":
		if resp.ResultURL == "" {
			return domain.GenerationPoll{}, fmt.Errorf("op=tunnel.poll: done without result url")
		}
		return domain.GenerationPoll{State: domain.GenCompleted, ResultURL: resp.ResultURL}, nil
	case "error":
		return domain.GenerationPoll{State: domain.GenFailed, Message: resp.Error}, nil
	default:
		return domain.GenerationPoll{}, fmt.Errorf("op=tunnel.poll: unexpected status %q", resp.Status)
	}
}

func (c *TunnelClient) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &reliability.ProviderError{
			StatusCode: resp.StatusCode,
			Provider:   c.Name(),
			Message:    strings.TrimSpace(string(raw)),
		}
	}
	return json.Unmarshal(raw, out)
}
