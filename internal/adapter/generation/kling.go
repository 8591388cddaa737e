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

// KlingClient drives task-style video backends: a created task is
// polled by id until it succeeds or fails.
type KlingClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewKlingClient constructs the adapter.
func NewKlingClient(baseURL, apiKey string) *KlingClient {
	return &KlingClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   newHTTPClient(60 * time.Second),
	}
}

// Name identifies the backend.
func (c *KlingClient) Name() string { return "kling" }

type klingCreateRequest struct {
	Model    string `json:"model_name"`
	Image    string `json:"image,omitempty"`
	Prompt   string `json:"prompt"`
	Duration string `json:"duration,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type klingTask struct {
	TaskID     string `json:"task_id"`
	TaskStatus string `json:"task_status"`
	TaskMsg    string `json:"task_status_msg,omitempty"`
	TaskResult struct {
		Videos []struct {
			URL string `json:"url"`
		} `json:"videos"`
	} `json:"task_result"`
}

type klingEnvelope struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    klingTask `json:"data"`
}

// Submit creates a video task and returns its id.
func (c *KlingClient) Submit(ctx context.Context, req domain.GenerationRequest) (string, error) {
	body := klingCreateRequest{
		Model:  req.Model,
		Image:  req.ImageURL,
		Prompt: req.Prompt,
	}
	if req.DurationSec > 0 {
		body.Duration = fmt.Sprintf("%d", req.DurationSec)
	}
	if req.Quality == "high" {
		body.Mode = "pro"
	}

	var env klingEnvelope
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/videos/image2video", body, &env); err != nil {
		return "", fmt.Errorf("op=kling.submit: %w", err)
	}
	if env.Code != 0 {
		return "", fmt.Errorf("op=kling.submit: %w",
			&reliability.ProviderError{StatusCode: http.StatusOK, Provider: c.Name(), Message: env.Message})
	}
	if env.Data.TaskID == "" {
		return "", fmt.Errorf("op=kling.submit: empty task id")
	}
	return env.Data.TaskID, nil
}

// Poll reports progress on a task.
func (c *KlingClient) Poll(ctx context.Context, requestID string) (domain.GenerationPoll, error) {
	var env klingEnvelope
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/videos/image2video/"+requestID, nil, &env); err != nil {
		return domain.GenerationPoll{}, fmt.Errorf("op=kling.poll: %w", err)
	}

	switch env.Data.TaskStatus {
	case "submitted":
		return domain.GenerationPoll{State: domain.GenPending}, nil
	case "processing":
		return domain.GenerationPoll{State: domain.GenRunning}, nil
	case "succeed":
		if len(env.Data.TaskResult.Videos) == 0 {
			return domain.GenerationPoll{}, fmt.Errorf("op=kling.poll: succeeded without video url")
		}
		return domain.GenerationPoll{State: domain.GenCompleted, ResultURL: env.Data.TaskResult.Videos[0].URL}, nil
	case "failed":
		return domain.GenerationPoll{State: domain.GenFailed, Message: env.Data.TaskMsg}, nil
	default:
		return domain.GenerationPoll{}, fmt.Errorf("op=kling.poll: unexpected task status %q", env.Data.TaskStatus)
	}
}

func (c *KlingClient) do(ctx context.Context, method, url string, in, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
