package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/reliability"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	image := NewStub()
	video := NewStub()
	r.Register(image, "wan", "wan21", "wan22")
	r.Register(video, "kling", "kling-std")

	g, err := r.ForModel("wan22")
	require.NoError(t, err)
	assert.Same(t, image, g)

	_, err = r.ForModel("unknown-model")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	assert.Equal(t, []string{"kling", "kling-std", "wan", "wan21", "wan22"}, r.Models())
}

func TestFalSubmitAndPoll(t *testing.T) {
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/wan22":
			assert.Equal(t, "Key test-key", r.Header.Get("Authorization"))
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			_ = json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
		case r.URL.Path == "/requests/req-1/status":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "COMPLETED",
				"images": []map[string]string{{"url": "https://fal/out.png"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewFalClient(srv.URL, "test-key")
	id, err := c.Submit(context.Background(), domain.GenerationRequest{
		Model: "wan22", Prompt: "a fox", ImageURL: "https://cdn/in.png", NSFW: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
	assert.Equal(t, "a fox", submitted["prompt"])
	assert.Equal(t, true, submitted["enable_safety_checker_bypass"])

	poll, err := c.Poll(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GenCompleted, poll.State)
	assert.Equal(t, "https://fal/out.png", poll.ResultURL)
}

func TestFalPollStates(t *testing.T) {
	status := "IN_QUEUE"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "error": "ran out of GPUs"})
	}))
	defer srv.Close()
	c := NewFalClient(srv.URL, "k")
	ctx := context.Background()

	poll, err := c.Poll(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, domain.GenPending, poll.State)

	status = "IN_PROGRESS"
	poll, _ = c.Poll(ctx, "r")
	assert.Equal(t, domain.GenRunning, poll.State)

	status = "FAILED"
	poll, _ = c.Poll(ctx, "r")
	assert.Equal(t, domain.GenFailed, poll.State)
	assert.Equal(t, "ran out of GPUs", poll.Message)
}

func TestFalProviderErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limit exceeded"))
	}))
	defer srv.Close()

	c := NewFalClient(srv.URL, "k")
	_, err := c.Submit(context.Background(), domain.GenerationRequest{Model: "wan"})
	var pe *reliability.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Equal(t, "fal", pe.Provider)
	assert.Equal(t, reliability.ClassRateLimit, reliability.Classify(err))
}

func TestKlingSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos/image2video":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "kling-std", req["model_name"])
			assert.Equal(t, "10", req["duration"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "data": map[string]any{"task_id": "t-7"},
			})
		case r.URL.Path == "/videos/image2video/t-7":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": map[string]any{
					"task_id":     "t-7",
					"task_status": "succeed",
					"task_result": map[string]any{"videos": []map[string]string{{"url": "https://kling/out.mp4"}}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewKlingClient(srv.URL, "key")
	id, err := c.Submit(context.Background(), domain.GenerationRequest{
		Model: "kling-std", ImageURL: "https://cdn/in.png", Prompt: "pan left", DurationSec: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "t-7", id)

	poll, err := c.Poll(context.Background(), "t-7")
	require.NoError(t, err)
	assert.Equal(t, domain.GenCompleted, poll.State)
	assert.Equal(t, "https://kling/out.mp4", poll.ResultURL)
}

func TestKlingEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 1102, "message": "invalid image"})
	}))
	defer srv.Close()

	c := NewKlingClient(srv.URL, "key")
	_, err := c.Submit(context.Background(), domain.GenerationRequest{Model: "kling"})
	require.Error(t, err)
	assert.Equal(t, reliability.ClassInvalidInput, reliability.Classify(err))
}

func TestTunnelSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/generate":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j-3", "status": "queued"})
		case r.URL.Path == "/jobs/j-3":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"job_id": "j-3", "status": "done", "result_url": "https://node/out.png",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewTunnelClient(srv.URL, "tok")
	id, err := c.Submit(context.Background(), domain.GenerationRequest{Model: "sdxl-local", Prompt: "p"})
	require.NoError(t, err)

	poll, err := c.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenCompleted, poll.State)
	assert.Equal(t, "https://node/out.png", poll.ResultURL)
}

func TestPipelineChainsStages(t *testing.T) {
	image := NewStub()
	image.PollsToComplete = 1
	video := NewStub()
	video.PollsToComplete = 1
	p := NewPipelineClient(image, video)
	ctx := context.Background()

	id, err := p.Submit(ctx, domain.GenerationRequest{Model: "pipeline_full", Prompt: "a city"})
	require.NoError(t, err)

	// Image stage still running.
	poll, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenRunning, poll.State)

	// Image completes; the video stage is submitted with its result.
	poll, err = p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenRunning, poll.State)
	require.Len(t, video.Submitted, 1)
	assert.Contains(t, video.Submitted[0].ImageURL, "https://stub.local/results/")

	// Video stage running, then done.
	poll, err = p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenRunning, poll.State)

	poll, err = p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenCompleted, poll.State)
	assert.NotEmpty(t, poll.ResultURL)

	// Chain state is released on completion.
	_, err = p.Poll(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPipelineImageFailureEndsChain(t *testing.T) {
	image := NewStub()
	image.FailWith = "nsfw rejected"
	p := NewPipelineClient(image, NewStub())
	ctx := context.Background()

	id, err := p.Submit(ctx, domain.GenerationRequest{Model: "pipeline_full"})
	require.NoError(t, err)

	poll, err := p.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.GenFailed, poll.State)
	assert.Equal(t, "nsfw rejected", poll.Message)

	_, err = p.Poll(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStubScriptedSubmitErrors(t *testing.T) {
	s := NewStub()
	s.SubmitErrs = []error{errors.New("boom"), nil}
	_, err := s.Submit(context.Background(), domain.GenerationRequest{})
	require.Error(t, err)
	_, err = s.Submit(context.Background(), domain.GenerationRequest{})
	require.NoError(t, err)
}
