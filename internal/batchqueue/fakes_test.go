package batchqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// memRepo implements the user, ledger, and batch ports in memory with
// the same transactional semantics as the postgres adapter.
type memRepo struct {
	mu    sync.Mutex
	users map[int64]*domain.User
	txs   map[int64][]domain.CreditTransaction
	jobs  map[string]*domain.BatchJob
	items map[string][]domain.BatchJobItem
	seq   int
}

func newMemRepo(users ...domain.User) *memRepo {
	r := &memRepo{
		users: map[int64]*domain.User{},
		txs:   map[int64][]domain.CreditTransaction{},
		jobs:  map[string]*domain.BatchJob{},
		items: map[string][]domain.BatchJobItem{},
	}
	for i := range users {
		u := users[i]
		r.users[u.ID] = &u
	}
	return r
}

// usersView exposes the user port; its Get signature would otherwise
// collide with the batch port's.
type usersView struct{ r *memRepo }

func (v usersView) Get(_ context.Context, id int64) (domain.User, error) {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	u, ok := v.r.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return *u, nil
}

func (r *memRepo) Users() domain.UserRepository { return usersView{r} }

func (r *memRepo) applyLocked(userID, amount int64, source, ref string) error {
	u, ok := r.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	next := u.Credits + amount
	if next < 0 {
		return &domain.InsufficientCreditsError{Required: -amount, Available: u.Credits}
	}
	u.Credits = next
	r.seq++
	r.txs[userID] = append(r.txs[userID], domain.CreditTransaction{
		ID: fmt.Sprintf("tx-%d", r.seq), UserID: userID, Amount: amount,
		BalanceAfter: next, Source: source, ReferenceID: ref, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (r *memRepo) CreateCharged(_ context.Context, job domain.BatchJob, items []domain.BatchJobItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.applyLocked(job.UserID, -job.CreditsCharged, domain.TxSourceJob, job.UUID); err != nil {
		return err
	}
	j := job
	j.Completed, j.Failed, j.Pending = 0, 0, job.Quantity
	j.Status = domain.BatchQueued
	r.jobs[job.UUID] = &j
	r.items[job.UUID] = append([]domain.BatchJobItem(nil), items...)
	return nil
}

func (r *memRepo) Get(_ context.Context, uuid string) (domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[uuid]
	if !ok {
		return domain.BatchJob{}, domain.ErrNotFound
	}
	return *j, nil
}

func (r *memRepo) ListByStatus(_ context.Context, statuses ...domain.BatchStatus) ([]domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BatchJob
	for _, j := range r.jobs {
		for _, s := range statuses {
			if j.Status == s {
				out = append(out, *j)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) CountActiveForUser(_ context.Context, userID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.UserID == userID && (j.Status == domain.BatchQueued || j.Status == domain.BatchRunning) {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) MarkRunning(_ context.Context, uuid string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[uuid]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.BatchQueued {
		return domain.ErrConflict
	}
	j.Status = domain.BatchRunning
	j.StartedAt = &startedAt
	return nil
}

func (r *memRepo) Finalize(_ context.Context, uuid string, status domain.BatchStatus, errMsg string, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[uuid]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrConflict
	}
	j.Status = status
	if status == domain.BatchFailed {
		j.ErrorMessage = errMsg
	}
	j.FinishedAt = &finishedAt
	return nil
}

func (r *memRepo) CancelRefund(_ context.Context, uuid string, refund int64, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[uuid]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.ErrConflict
	}
	if refund > 0 {
		if err := r.applyLocked(j.UserID, refund, domain.TxSourceRefund, uuid); err != nil {
			return err
		}
	}
	j.Status = domain.BatchCanceled
	j.CreditsRefunded = refund
	j.FinishedAt = &finishedAt
	return nil
}

func (r *memRepo) Items(_ context.Context, uuid string, statuses ...domain.ItemStatus) ([]domain.BatchJobItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BatchJobItem
	for _, it := range r.items[uuid] {
		if len(statuses) == 0 {
			out = append(out, it)
			continue
		}
		for _, s := range statuses {
			if it.Status == s {
				out = append(out, it)
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) MarkItemRunning(_ context.Context, uuid string, index int, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	its := r.items[uuid]
	if index < 0 || index >= len(its) {
		return domain.ErrNotFound
	}
	its[index].Status = domain.ItemRunning
	its[index].StartedAt = &startedAt
	return nil
}

func (r *memRepo) CompleteItem(_ context.Context, uuid string, index int, resultURL string, finishedAt time.Time, durationMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[uuid]
	its := r.items[uuid]
	if j == nil || index < 0 || index >= len(its) {
		return domain.ErrNotFound
	}
	switch its[index].Status {
	case domain.ItemCompleted:
	case domain.ItemFailed:
		j.Completed++
		j.Failed--
	default:
		j.Completed++
		j.Pending--
	}
	its[index].Status = domain.ItemCompleted
	its[index].ResultURL = resultURL
	its[index].ErrorMessage = ""
	its[index].FinishedAt = &finishedAt
	its[index].DurationMS = durationMS
	return nil
}

func (r *memRepo) FailItem(_ context.Context, uuid string, index int, errMsg string, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[uuid]
	its := r.items[uuid]
	if j == nil || index < 0 || index >= len(its) {
		return domain.ErrNotFound
	}
	if its[index].Status == domain.ItemCompleted || its[index].Status == domain.ItemFailed {
		return nil
	}
	j.Failed++
	j.Pending--
	its[index].Status = domain.ItemFailed
	its[index].ErrorMessage = errMsg
	its[index].FinishedAt = &finishedAt
	return nil
}

func (r *memRepo) UpdateETA(_ context.Context, uuid string, avgItemMS int64, eta *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[uuid]; ok {
		j.AvgItemMS = avgItemMS
		j.ETA = eta
	}
	return nil
}

func (r *memRepo) Claim(_ context.Context, limit int, claimedBy string, leaseTTL time.Duration, now time.Time) ([]domain.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BatchJob
	for _, j := range r.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != domain.BatchQueued {
			continue
		}
		if j.ClaimedBy != "" && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.After(now) {
			continue
		}
		j.ClaimedBy = claimedBy
		exp := now.Add(leaseTTL)
		j.ClaimExpiresAt = &exp
		out = append(out, *j)
	}
	return out, nil
}

// GetJob reads a job without the error plumbing; missing jobs return a
// zero value.
func (r *memRepo) GetJob(uuid string) domain.BatchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[uuid]; ok {
		return *j
	}
	return domain.BatchJob{}
}

// invariantOK checks completed+failed+pending=quantity on every job.
func (r *memRepo) invariantOK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Completed+j.Failed+j.Pending != j.Quantity {
			return false
		}
		if j.CreditsRefunded < 0 || j.CreditsRefunded > j.CreditsCharged {
			return false
		}
	}
	return true
}

// scriptRunner is a controllable ItemRunner.
type scriptRunner struct {
	// gate, when non-nil, blocks every Run until it is closed.
	gate chan struct{}
	// started receives the item job id as soon as Run is entered.
	started chan string
	// sleep simulates item latency.
	sleep time.Duration

	running    atomic.Int32
	maxRunning atomic.Int32
	runs       atomic.Int32
}

func (s *scriptRunner) Run(ctx context.Context, jobID string, req domain.GenerationRequest) (domain.GenerationPoll, error) {
	s.runs.Add(1)
	cur := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		max := s.maxRunning.Load()
		if cur <= max || s.maxRunning.CompareAndSwap(max, cur) {
			break
		}
	}

	if s.started != nil {
		s.started <- jobID
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.GenerationPoll{}, ctx.Err()
		}
	}
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	if strings.Contains(req.Prompt, "fail") {
		return domain.GenerationPoll{State: domain.GenFailed, Message: "provider rejected item"}, nil
	}
	return domain.GenerationPoll{
		State:     domain.GenCompleted,
		ResultURL: "https://results.local/" + jobID + ".png",
	}, nil
}
