package domain

import (
	"context"
	"time"
)

// Tier selects admission and concurrency policy for a tenant.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierAgency  Tier = "agency"
)

// JobLimit returns the maximum number of jobs a tenant of this tier may
// hold in {QUEUED, RUNNING} at once.
func (t Tier) JobLimit() int {
	switch t {
	case TierStarter:
		return 2
	case TierPro:
		return 5
	case TierAgency:
		return 10
	default:
		return 1
	}
}

// User is the tenant principal. Credits is the authoritative balance; it
// is mutated only through the ledger.
type User struct {
	ID        int64
	Tier      Tier
	Credits   int64
	Active    bool
	CreatedAt time.Time
}

// Transaction sources.
const (
	TxSourcePayment = "payment"
	TxSourceJob     = "job"
	TxSourceManual  = "manual"
	TxSourcePromo   = "promo"
	TxSourceRefund  = "refund"
)

// CreditTransaction is one immutable ledger row. BalanceAfter is the
// denormalized post-transaction balance kept for audit; for each user the
// running sum of Amount over rows ordered by CreatedAt equals the current
// User.Credits, and each row's BalanceAfter equals that prefix sum.
type CreditTransaction struct {
	ID           string
	UserID       int64
	Amount       int64
	BalanceAfter int64
	Description  string
	Source       string
	ReferenceID  string
	CreatedAt    time.Time
}

// OutputType enumerates what a batch job produces.
type OutputType string

const (
	OutputImage    OutputType = "image"
	OutputVideo    OutputType = "video"
	OutputCarousel OutputType = "carousel"
	OutputPipeline OutputType = "pipeline"
)

// BatchStatus is the job lifecycle state. Transitions form the DAG
// QUEUED -> RUNNING -> {COMPLETED | FAILED | CANCELED}; CANCELED may also
// be entered directly from QUEUED.
type BatchStatus string

const (
	BatchQueued    BatchStatus = "QUEUED"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
	BatchCanceled  BatchStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCanceled
}

// ItemStatus is the per-item lifecycle state.
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemRunning   ItemStatus = "RUNNING"
	ItemCompleted ItemStatus = "COMPLETED"
	ItemFailed    ItemStatus = "FAILED"
)

// BatchJob is the unit of scheduling.
// Invariant: Completed + Failed + Pending = Quantity at every commit, and
// 0 <= CreditsRefunded <= CreditsCharged.
type BatchJob struct {
	UUID            string
	UserID          int64
	OutputType      OutputType
	Config          JobConfig
	Quantity        int
	Completed       int
	Failed          int
	Pending         int
	CreditsCharged  int64
	CreditsRefunded int64
	Status          BatchStatus
	ErrorMessage    string
	AvgItemMS       int64
	ETA             *time.Time
	ClaimedBy       string
	ClaimExpiresAt  *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// BatchJobItem is one unit of work within a batch. Items are independent;
// one item's failure never fails a sibling. Index is zero-based and unique
// within the parent.
type BatchJobItem struct {
	BatchUUID       string
	Index           int
	Prompt          string
	Caption         string
	VariationParams map[string]any
	Status          ItemStatus
	ResultURL       string
	ErrorMessage    string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	DurationMS      int64
}

// UploadCacheEntry records a content-addressed copy of an external result
// in durable object storage. Lookup works by either path or hash.
type UploadCacheEntry struct {
	LocalPath  string
	SHA256     string
	RemoteURL  string
	UploadedAt time.Time
}

// Repositories (ports)

type UserRepository interface {
	Get(ctx context.Context, id int64) (User, error)
}

// LedgerRepository mutates a user's balance and appends the matching
// ledger row in one transaction; both succeed or both fail.
type LedgerRepository interface {
	// Apply adds amount (which may be negative) to the user's balance
	// under a row lock and appends the ledger row. When amount is
	// negative and allowNegative is false, the balance must cover it.
	Apply(ctx context.Context, userID int64, amount int64, description, source, referenceID string, allowNegative bool) (CreditTransaction, error)
	Transactions(ctx context.Context, userID int64) ([]CreditTransaction, error)
}

// BatchRepository persists batch jobs and their items. Methods that touch
// counters do so in a transaction that preserves the quantity invariant.
type BatchRepository interface {
	// CreateCharged inserts the job and its items and debits the owner in
	// a single transaction. The debit appends a ledger row with
	// source=job and reference=job uuid.
	CreateCharged(ctx context.Context, job BatchJob, items []BatchJobItem) error
	Get(ctx context.Context, uuid string) (BatchJob, error)
	ListByStatus(ctx context.Context, statuses ...BatchStatus) ([]BatchJob, error)
	CountActiveForUser(ctx context.Context, userID int64) (int, error)
	MarkRunning(ctx context.Context, uuid string, startedAt time.Time) error
	// Finalize sets a terminal status; errMsg is recorded only for FAILED.
	Finalize(ctx context.Context, uuid string, status BatchStatus, errMsg string, finishedAt time.Time) error
	// CancelRefund sets status=CANCELED, records the refund on the job,
	// credits the owner, and appends the refund ledger row atomically.
	CancelRefund(ctx context.Context, uuid string, refund int64, finishedAt time.Time) error

	Items(ctx context.Context, uuid string, statuses ...ItemStatus) ([]BatchJobItem, error)
	MarkItemRunning(ctx context.Context, uuid string, index int, startedAt time.Time) error
	// CompleteItem writes the result and bumps completed/pending counters
	// in one transaction. Idempotent on the result column: a second
	// completion overwrites the same URL without double-counting.
	CompleteItem(ctx context.Context, uuid string, index int, resultURL string, finishedAt time.Time, durationMS int64) error
	FailItem(ctx context.Context, uuid string, index int, errMsg string, finishedAt time.Time) error
	UpdateETA(ctx context.Context, uuid string, avgItemMS int64, eta *time.Time) error

	// Claim marks up to limit QUEUED jobs as claimed by a worker with a
	// lease; rows whose lease expired are eligible to be re-claimed.
	Claim(ctx context.Context, limit int, claimedBy string, leaseTTL time.Duration, now time.Time) ([]BatchJob, error)
}

type UploadCacheRepository interface {
	Put(ctx context.Context, e UploadCacheEntry) error
	GetByHash(ctx context.Context, sha256 string) (UploadCacheEntry, error)
	GetByPath(ctx context.Context, path string) (UploadCacheEntry, error)
}

// ObjectStore (port): durable object storage for cached results.
type ObjectStore interface {
	// PutURL downloads the source URL and stores it content-addressed,
	// returning the durable URL and the content hash.
	PutURL(ctx context.Context, sourceURL string) (string, string, error)
	Healthy(ctx context.Context) error
}

// Generator (port): one per remote backend, stateless. Submit returns a
// provider request id; Poll reports progress on it. Transient errors are
// returned, not retried here; retry policy belongs to the caller.
type Generator interface {
	Name() string
	Submit(ctx context.Context, req GenerationRequest) (string, error)
	Poll(ctx context.Context, requestID string) (GenerationPoll, error)
}

// GenerationRequest carries everything a backend needs for one item.
type GenerationRequest struct {
	JobID       string
	Model       string
	Prompt      string
	ImageURL    string
	Resolution  string
	DurationSec int
	AspectRatio string
	Quality     string
	NSFW        bool
	Params      map[string]any
}

// Generation poll states.
const (
	GenPending   = "pending"
	GenRunning   = "running"
	GenCompleted = "completed"
	GenFailed    = "failed"
)

// GenerationPoll is one observation of a remote operation.
type GenerationPoll struct {
	State     string
	ResultURL string
	Message   string
}
