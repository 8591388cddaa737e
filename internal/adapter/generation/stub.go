package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// Stub is an in-memory backend used by tests and local development. Each
// submit allocates a request that completes after a configurable number
// of polls, or fails scripted errors in order.
type Stub struct {
	// PollsToComplete is how many polls return running before completed.
	PollsToComplete int
	// SubmitErrs are returned by successive Submit calls until exhausted.
	SubmitErrs []error
	// FailWith, when set, makes every request end in a failed poll.
	FailWith string

	mu       sync.Mutex
	seq      int
	requests map[string]int
	// Submitted records every accepted request for assertions.
	Submitted []domain.GenerationRequest
}

// NewStub returns a Stub completing on the first poll.
func NewStub() *Stub {
	return &Stub{requests: map[string]int{}}
}

// Name identifies the backend.
func (s *Stub) Name() string { return "stub" }

// Submit accepts the request unless a scripted error is queued.
func (s *Stub) Submit(_ context.Context, req domain.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SubmitErrs) > 0 {
		err := s.SubmitErrs[0]
		s.SubmitErrs = s.SubmitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	s.seq++
	id := fmt.Sprintf("stub-%d", s.seq)
	if s.requests == nil {
		s.requests = map[string]int{}
	}
	s.requests[id] = 0
	s.Submitted = append(s.Submitted, req)
	return id, nil
}

// Poll advances the request one step.
func (s *Stub) Poll(_ context.Context, requestID string) (domain.GenerationPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	polls, ok := s.requests[requestID]
	if !ok {
		return domain.GenerationPoll{}, fmt.Errorf("op=stub.poll: %w: %q", domain.ErrNotFound, requestID)
	}
	polls++
	s.requests[requestID] = polls
	if polls <= s.PollsToComplete {
		return domain.GenerationPoll{State: domain.GenRunning}, nil
	}
	if s.FailWith != "" {
		return domain.GenerationPoll{State: domain.GenFailed, Message: s.FailWith}, nil
	}
	return domain.GenerationPoll{
		State:     domain.GenCompleted,
		ResultURL: "https://stub.local/results/" + requestID + ".png",
	}, nil
}
