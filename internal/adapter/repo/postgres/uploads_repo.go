package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// UploadCacheRepo records content-addressed copies of external results.
type UploadCacheRepo struct{ Pool PgxPool }

// NewUploadCacheRepo constructs an UploadCacheRepo with the given pool.
func NewUploadCacheRepo(p PgxPool) *UploadCacheRepo { return &UploadCacheRepo{Pool: p} }

// Put upserts a cache entry; the hash is the natural key.
func (r *UploadCacheRepo) Put(ctx context.Context, e domain.UploadCacheEntry) error {
	tracer := otel.Tracer("repo.upload_cache")
	ctx, span := tracer.Start(ctx, "upload_cache.Put")
	defer span.End()

	uploadedAt := e.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO upload_cache (local_path, sha256, remote_url, uploaded_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (sha256) DO UPDATE SET local_path=$1, remote_url=$3, uploaded_at=$4`,
		e.LocalPath, e.SHA256, e.RemoteURL, uploadedAt)
	if err != nil {
		return fmt.Errorf("op=upload_cache.put: %w", err)
	}
	return nil
}

func (r *UploadCacheRepo) get(ctx context.Context, col, key, op string) (domain.UploadCacheEntry, error) {
	var e domain.UploadCacheEntry
	err := r.Pool.QueryRow(ctx,
		`SELECT local_path, sha256, remote_url, uploaded_at FROM upload_cache WHERE `+col+`=$1`, key).
		Scan(&e.LocalPath, &e.SHA256, &e.RemoteURL, &e.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UploadCacheEntry{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.UploadCacheEntry{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return e, nil
}

// GetByHash looks an entry up by content hash.
func (r *UploadCacheRepo) GetByHash(ctx context.Context, sha256 string) (domain.UploadCacheEntry, error) {
	tracer := otel.Tracer("repo.upload_cache")
	ctx, span := tracer.Start(ctx, "upload_cache.GetByHash")
	defer span.End()
	return r.get(ctx, "sha256", sha256, "upload_cache.get_by_hash")
}

// GetByPath looks an entry up by source path.
func (r *UploadCacheRepo) GetByPath(ctx context.Context, path string) (domain.UploadCacheEntry, error) {
	tracer := otel.Tracer("repo.upload_cache")
	ctx, span := tracer.Start(ctx, "upload_cache.GetByPath")
	defer span.End()
	return r.get(ctx, "local_path", path, "upload_cache.get_by_path")
}
