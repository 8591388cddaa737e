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

// FalClient drives queue-style image backends: submit returns a request
// id immediately, results are fetched by polling the status endpoint.
type FalClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewFalClient constructs the adapter.
func NewFalClient(baseURL, apiKey string) *FalClient {
	return &FalClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   newHTTPClient(60 * time.Second),
	}
}

// Name identifies the backend.
func (c *FalClient) Name() string { return "fal" }

type falSubmitRequest struct {
	Prompt      string         `json:"prompt"`
	ImageURL    string         `json:"image_url,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Quality     string         `json:"quality,omitempty"`
	EnableNSFW  bool           `json:"enable_safety_checker_bypass,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type falSubmitResponse struct {
	RequestID string `json:"request_id"`
}

type falStatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images,omitempty"`
	Video struct {
		URL string `json:"url"`
	} `json:"video,omitempty"`
}

// Submit enqueues a generation and returns the provider request id.
func (c *FalClient) Submit(ctx context.Context, req domain.GenerationRequest) (string, error) {
	body := falSubmitRequest{
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		AspectRatio: req.AspectRatio,
		Quality:     req.Quality,
		EnableNSFW:  req.NSFW,
		Extra:       req.Params,
	}
	var resp falSubmitResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/"+req.Model, body, &resp); err != nil {
		return "", fmt.Errorf("op=fal.submit: %w", err)
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("op=fal.submit: empty request id")
	}
	return resp.RequestID, nil
}

// Poll reports progress on a submitted request.
func (c *FalClient) Poll(ctx context.Context, requestID string) (domain.GenerationPoll, error) {
	var resp falStatusResponse
	url := c.baseURL + "/requests/" + requestID + "/status"
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return domain.GenerationPoll{}, fmt.Errorf("op=fal.poll: %w", err)
	}

	switch resp.Status {
	case "IN_QUEUE":
		return domain.GenerationPoll{State: domain.GenPending}, nil
	case "IN_PROGRESS":
		return domain.GenerationPoll{State: domain.GenRunning}, nil
	case "COMPLETED":
		result := resp.Video.URL
		if result == "" && len(resp.Images) > 0 {
			result = resp.Images[0].URL
		}
		if result == "" {
			return domain.GenerationPoll{}, fmt.Errorf("op=fal.poll: completed without result url")
		}
		return domain.GenerationPoll{State: domain.GenCompleted, ResultURL: result}, nil
	case "FAILED":
		return domain.GenerationPoll{State: domain.GenFailed, Message: resp.Error}, nil
	default:
		return domain.GenerationPoll{}, fmt.Errorf("op=fal.poll: unexpected status %q", resp.Status)
	}
}

func (c *FalClient) do(ctx context.Context, method, url string, in, out any) error {
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
	req.Header.Set("Authorization", "Key "+c.apiKey)
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
