package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// PipelineClient chains an image backend into a video backend: the
// image result becomes the video's source frame. It exposes the same
// submit/poll contract under a synthetic request id; the stage handoff
// happens inside Poll so the caller's polling loop drives the whole
// chain.
type PipelineClient struct {
	image domain.Generator
	video domain.Generator

	mu     sync.Mutex
	flight map[string]*pipelineFlight
}

type pipelineFlight struct {
	req        domain.GenerationRequest
	stage      string // "image" or "video"
	stageReqID string
	imageURL   string
}

// NewPipelineClient constructs the composite over two stage backends.
func NewPipelineClient(image, video domain.Generator) *PipelineClient {
	return &PipelineClient{image: image, video: video, flight: map[string]*pipelineFlight{}}
}

// Name identifies the backend.
func (c *PipelineClient) Name() string { return "pipeline" }

// Submit starts the image stage and returns a synthetic request id that
// tracks the whole chain.
func (c *PipelineClient) Submit(ctx context.Context, req domain.GenerationRequest) (string, error) {
	stageID, err := c.image.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("op=pipeline.submit: %w", err)
	}
	id := "pl_" + ulid.Make().String()
	c.mu.Lock()
	c.flight[id] = &pipelineFlight{req: req, stage: "image", stageReqID: stageID}
	c.mu.Unlock()
	return id, nil
}

// Poll advances the chain. Image completion triggers the video submit;
// only video completion completes the pipeline.
func (c *PipelineClient) Poll(ctx context.Context, requestID string) (domain.GenerationPoll, error) {
	c.mu.Lock()
	fl, ok := c.flight[requestID]
	c.mu.Unlock()
	if !ok {
		return domain.GenerationPoll{}, fmt.Errorf("op=pipeline.poll: %w: unknown request %q", domain.ErrNotFound, requestID)
	}

	switch fl.stage {
	case "image":
		poll, err := c.image.Poll(ctx, fl.stageReqID)
		if err != nil {
			return domain.GenerationPoll{}, fmt.Errorf("op=pipeline.poll: %w", err)
		}
		switch poll.State {
		case domain.GenCompleted:
			videoReq := fl.req
			videoReq.ImageURL = poll.ResultURL
			stageID, err := c.video.Submit(ctx, videoReq)
			if err != nil {
				return domain.GenerationPoll{}, fmt.Errorf("op=pipeline.poll: %w", err)
			}
			c.mu.Lock()
			fl.stage = "video"
			fl.stageReqID = stageID
			fl.imageURL = poll.ResultURL
			c.mu.Unlock()
			return domain.GenerationPoll{State: domain.GenRunning}, nil
		case domain.GenFailed:
			c.forget(requestID)
			return poll, nil
		default:
			return poll, nil
		}

	case "video":
		poll, err := c.video.Poll(ctx, fl.stageReqID)
		if err != nil {
			return domain.GenerationPoll{}, fmt.Errorf("op=pipeline.poll: %w", err)
		}
		if poll.State == domain.GenCompleted || poll.State == domain.GenFailed {
			c.forget(requestID)
		}
		return poll, nil

	default:
		return domain.GenerationPoll{}, fmt.Errorf("op=pipeline.poll: corrupt stage %q", fl.stage)
	}
}

func (c *PipelineClient) forget(requestID string) {
	c.mu.Lock()
	delete(c.flight, requestID)
	c.mu.Unlock()
}
