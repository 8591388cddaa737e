// Package storage implements the durable object store on S3-compatible
// backends. Objects are content-addressed by SHA-256 so repeated caching
// of the same bytes is free.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// maxObjectSize caps a cached download; provider results are media
// files, not arbitrary blobs.
const maxObjectSize = 512 << 20

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PublicURL is the base under which stored objects are reachable,
	// e.g. a CDN in front of the bucket.
	PublicURL string
}

// S3Store copies external URLs into the bucket and records them in the
// upload cache so a hash hit skips the transfer entirely.
type S3Store struct {
	client s3iface.S3API
	cache  domain.UploadCacheRepository
	httpc  *http.Client
	cfg    Config
}

// NewS3Store builds an S3Store. Endpoint is optional; when set the
// client uses path-style addressing (MinIO et al).
func NewS3Store(cfg Config, cache domain.UploadCacheRepository) (*S3Store, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("op=storage.new: %w", err)
	}
	return &S3Store{
		client: s3.New(sess),
		cache:  cache,
		httpc:  &http.Client{Timeout: 2 * time.Minute},
		cfg:    cfg,
	}, nil
}

// ObjectKey derives the bucket key for a content hash and type.
func ObjectKey(sha string, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return "media/" + sha
	}
	return "media/" + sha + "." + ext
}

// PutURL downloads sourceURL and stores it content-addressed, returning
// the durable URL and content hash. A cache hit on the hash returns the
// prior URL without re-uploading.
func (s *S3Store) PutURL(ctx context.Context, sourceURL string) (string, string, error) {
	tracer := otel.Tracer("storage.s3")
	ctx, span := tracer.Start(ctx, "s3.PutURL")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("op=storage.put_url: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("op=storage.put_url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("op=storage.put_url: fetch %q: status %d", sourceURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return "", "", fmt.Errorf("op=storage.put_url: %w", err)
	}
	if len(body) > maxObjectSize {
		return "", "", fmt.Errorf("op=storage.put_url: object exceeds %d bytes", maxObjectSize)
	}

	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])
	span.SetAttributes(attribute.String("object.sha256", sha), attribute.Int("object.bytes", len(body)))

	if prior, err := s.cache.GetByHash(ctx, sha); err == nil {
		return prior.RemoteURL, sha, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", "", fmt.Errorf("op=storage.put_url: %w", err)
	}

	mt := mimetype.Detect(body)
	key := ObjectKey(sha, mt.Extension())
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(mt.String()),
	})
	if err != nil {
		return "", "", fmt.Errorf("op=storage.put_url: %w", err)
	}

	url := s.publicURL(key)
	entry := domain.UploadCacheEntry{
		LocalPath: sourceURL,
		SHA256:    sha,
		RemoteURL: url,
	}
	if err := s.cache.Put(ctx, entry); err != nil {
		return "", "", fmt.Errorf("op=storage.put_url: %w", err)
	}
	return url, sha, nil
}

func (s *S3Store) publicURL(key string) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/") + "/" + key
	}
	if s.cfg.Endpoint != "" {
		return strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}

// Healthy checks the bucket is reachable.
func (s *S3Store) Healthy(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("op=storage.healthy: %w", err)
	}
	return nil
}
