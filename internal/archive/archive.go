// Package archive uploads a page's full ledger to object storage before the
// page is deleted.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
	"tandem/api/internal/store"
)

type Snapshot struct {
	ProjectID  string              `json:"projectId"`
	Page       store.Page          `json:"page"`
	Versions   []store.PageVersion `json:"versions"`
	ArchivedBy string              `json:"archivedBy"`
	ArchivedAt time.Time           `json:"archivedAt"`
}

// Key is the object name a snapshot is stored under.
func (s Snapshot) Key() string {
	return fmt.Sprintf("projects/%s/pages/%s/%s.json", s.ProjectID, s.Page.ID, s.ArchivedAt.UTC().Format("20060102T150405Z"))
}

type Archiver interface {
	Archive(ctx context.Context, snap Snapshot) (string, error)
}

// LedgerReader is the slice of the store a snapshot is built from.
type LedgerReader interface {
	GetPage(ctx context.Context, id string) (store.Page, error)
	ListVersionsFull(ctx context.Context, pageID string) ([]store.PageVersion, error)
}

func Take(ctx context.Context, r LedgerReader, pageID, actorID string, at time.Time) (Snapshot, error) {
	page, err := r.GetPage(ctx, pageID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get page: %w", err)
	}
	versions, err := r.ListVersionsFull(ctx, pageID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list versions: %w", err)
	}
	return Snapshot{
		ProjectID:  page.ProjectID,
		Page:       page,
		Versions:   versions,
		ArchivedBy: actorID,
		ArchivedAt: at.UTC(),
	}, nil
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store writes snapshots to an S3-compatible bucket.
type Store struct {
	client objectPutter
	bucket string
}

// New connects to the endpoint and creates the bucket if it is missing.
func New(ctx context.Context, opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, apperr.Unavailable("object storage unreachable", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", opts.Bucket, err)
		}
		log.WithField("bucket", opts.Bucket).Info("archive.bucket_created")
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

func (s *Store) Archive(ctx context.Context, snap Snapshot) (string, error) {
	body, err := sonic.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := snap.Key()
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"page-id":  snap.Page.ID,
			"versions": fmt.Sprint(len(snap.Versions)),
		},
	})
	if err != nil {
		return "", apperr.Unavailable("archive upload failed", err)
	}
	log.WithFields(log.Fields{"pageId": snap.Page.ID, "key": key, "versions": len(snap.Versions)}).Info("archive.uploaded")
	return key, nil
}

// Noop is used when no object storage is configured.
type Noop struct{}

func (Noop) Archive(context.Context, Snapshot) (string, error) { return "", nil }
