package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenstudio/media-orchestrator/internal/batchqueue"
	"github.com/lumenstudio/media-orchestrator/internal/config"
	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/usecase"
	"github.com/lumenstudio/media-orchestrator/internal/validate"
)

// maxBodyBytes bounds batch submission payloads.
const maxBodyBytes = 4 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Queue     *batchqueue.Queue
	Credits   *usecase.CreditService
	Validator *validate.Service

	DBCheck      func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
	StorageCheck func(ctx context.Context) error
}

// NewServer wires a Server.
func NewServer(cfg config.Config, queue *batchqueue.Queue, credits *usecase.CreditService, vd *validate.Service,
	dbCheck, redisCheck, storageCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Queue: queue, Credits: credits, Validator: vd,
		DBCheck: dbCheck, RedisCheck: redisCheck, StorageCheck: storageCheck,
	}
}

// userID reads the authenticated tenant from the X-User-ID header. Auth
// issuance lives at the edge; the orchestrator trusts the gateway.
func userID(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return 0, fmt.Errorf("%w: X-User-ID header required", domain.ErrInvalidArgument)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: X-User-ID must be a positive integer", domain.ErrInvalidArgument)
	}
	return id, nil
}

type submitItem struct {
	Prompt  string         `json:"prompt"`
	Caption string         `json:"caption,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

type submitRequest struct {
	OutputType string           `json:"output_type"`
	Config     domain.JobConfig `json:"config"`
	Items      []submitItem     `json:"items"`
}

type batchResponse struct {
	UUID            string     `json:"uuid"`
	Status          string     `json:"status"`
	OutputType      string     `json:"output_type"`
	Quantity        int        `json:"quantity"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	Pending         int        `json:"pending"`
	CreditsCharged  int64      `json:"credits_charged"`
	CreditsRefunded int64      `json:"credits_refunded,omitempty"`
	AvgItemMS       int64      `json:"avg_item_ms,omitempty"`
	ETA             *time.Time `json:"eta,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

type itemResponse struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

func toBatchResponse(j domain.BatchJob) batchResponse {
	return batchResponse{
		UUID:            j.UUID,
		Status:          string(j.Status),
		OutputType:      string(j.OutputType),
		Quantity:        j.Quantity,
		Completed:       j.Completed,
		Failed:          j.Failed,
		Pending:         j.Pending,
		CreditsCharged:  j.CreditsCharged,
		CreditsRefunded: j.CreditsRefunded,
		AvgItemMS:       j.AvgItemMS,
		ETA:             j.ETA,
		Error:           j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

// validateSubmit runs the model table and prompt rules before admission
// so callers get every violation in one response.
func (s *Server) validateSubmit(req submitRequest) error {
	var errs validate.Errors
	model := req.Config.Model()
	if c := req.Config.Video; c != nil {
		if ve := s.Validator.ModelResolution(model, c.Resolution); ve != nil {
			errs = append(errs, *ve)
		}
		if s.Validator.KnownModel(model) {
			if ve := s.Validator.ModelDuration(model, c.DurationSec); ve != nil {
				errs = append(errs, *ve)
			}
		}
		if c.ImageURL != "" {
			if ve := validate.URL("config.image_url", c.ImageURL); ve != nil {
				errs = append(errs, *ve)
			}
		}
	}
	// Pipeline clip parameters live on the video stage.
	if c := req.Config.Pipeline; c != nil {
		if ve := s.Validator.ModelResolution(model, c.Video.Resolution); ve != nil {
			errs = append(errs, *ve)
		}
		if s.Validator.KnownModel(model) {
			if ve := s.Validator.ModelDuration(model, c.Video.DurationSec); ve != nil {
				errs = append(errs, *ve)
			}
		}
	}
	for i, it := range req.Items {
		if ve := validate.Prompt(fmt.Sprintf("items[%d].prompt", i), it.Prompt); ve != nil {
			errs = append(errs, *ve)
		}
	}
	return errs.OrNil()
}

// SubmitBatchHandler handles POST /v1/batches.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.validateSubmit(req); err != nil {
			var details any
			var ves validate.Errors
			if errors.As(err, &ves) {
				details = ves
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), details)
			return
		}
		specs := make([]batchqueue.ItemSpec, len(req.Items))
		for i, it := range req.Items {
			specs[i] = batchqueue.ItemSpec{Prompt: it.Prompt, Caption: it.Caption, VariationParams: it.Params}
		}
		job, err := s.Queue.Submit(r.Context(), uid, domain.OutputType(req.OutputType), req.Config, specs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toBatchResponse(job))
	}
}

// GetBatchHandler handles GET /v1/batches/{id}.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, items, err := s.Queue.GetState(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.UserID != uid {
			writeError(w, r, fmt.Errorf("op=http.get_batch: %w", domain.ErrNotFound), nil)
			return
		}
		out := struct {
			batchResponse
			Items []itemResponse `json:"items"`
		}{batchResponse: toBatchResponse(job)}
		out.Items = make([]itemResponse, len(items))
		for i, it := range items {
			out.Items[i] = itemResponse{
				Index:     it.Index,
				Status:    string(it.Status),
				ResultURL: it.ResultURL,
				Error:     it.ErrorMessage,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// CancelBatchHandler handles DELETE /v1/batches/{id}.
func (s *Server) CancelBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		refund, err := s.Queue.Cancel(r.Context(), chi.URLParam(r, "id"), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"uuid":             chi.URLParam(r, "id"),
			"status":           string(domain.BatchCanceled),
			"credits_refunded": refund,
		})
	}
}

// CreditsHandler handles GET /v1/credits.
func (s *Server) CreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		balance, err := s.Credits.Balance(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		txs, err := s.Credits.Transactions(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type txResponse struct {
			ID           string    `json:"id"`
			Amount       int64     `json:"amount"`
			BalanceAfter int64     `json:"balance_after"`
			Source       string    `json:"source"`
			ReferenceID  string    `json:"reference_id,omitempty"`
			CreatedAt    time.Time `json:"created_at"`
		}
		out := struct {
			Balance      int64        `json:"balance"`
			Transactions []txResponse `json:"transactions"`
		}{Balance: balance, Transactions: make([]txResponse, len(txs))}
		for i, tx := range txs {
			out.Transactions[i] = txResponse{
				ID: tx.ID, Amount: tx.Amount, BalanceAfter: tx.BalanceAfter,
				Source: tx.Source, ReferenceID: tx.ReferenceID, CreatedAt: tx.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// AuditHandler handles GET /v1/credits/audit: it recomputes the ledger
// running sums for the caller and reports any drift.
func (s *Server) AuditHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		violations, err := s.Credits.Audit(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type violationResponse struct {
			TransactionID string `json:"transaction_id"`
			Expected      int64  `json:"expected"`
			Got           int64  `json:"got"`
		}
		out := struct {
			OK         bool                `json:"ok"`
			Violations []violationResponse `json:"violations,omitempty"`
		}{OK: len(violations) == 0}
		for _, v := range violations {
			out.Violations = append(out.Violations, violationResponse{
				TransactionID: v.TransactionID, Expected: v.Expected, Got: v.Got,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ReadyzHandler probes the DB, Redis, and the object store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"storage", s.StorageCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, Details: err.Error()})
				ok = false
				continue
			}
			checks = append(checks, check{Name: p.name, OK: true})
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
