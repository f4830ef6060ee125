package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

// Upload configuration
const (
	MaxConcurrentUploads = 20
	DeleteBatchSize      = 1000
)

var tracer = otel.Tracer("dash-storage")

// S3API defines the S3 operations the object store needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	PutObjectAcl(ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectStore handles raw and processed video objects in S3.
type ObjectStore struct {
	client          S3API
	rawBucket       string
	processedBucket string
	log             *slog.Logger
}

// NewObjectStore creates an ObjectStore for the given buckets.
func NewObjectStore(client S3API, rawBucket, processedBucket string, log *slog.Logger) *ObjectStore {
	return &ObjectStore{
		client:          client,
		rawBucket:       rawBucket,
		processedBucket: processedBucket,
		log:             log,
	}
}

// DownloadRaw streams the uploaded raw asset to destPath and returns the
// number of bytes written. A partial file is removed on failure.
func (o *ObjectStore) DownloadRaw(ctx context.Context, assetName, destPath string) (int64, error) {
	ctx, span := tracer.Start(ctx, "download-raw")
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create raw directory: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}

	result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.rawBucket),
		Key:    aws.String(assetName),
	})
	if err != nil {
		out.Close()
		os.Remove(destPath)
		return 0, fmt.Errorf("failed to get object %s: %w", assetName, err)
	}
	defer result.Body.Close()

	written, err := io.Copy(out, result.Body)
	if err != nil {
		out.Close()
		os.Remove(destPath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("failed to close local file: %w", err)
	}

	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	return written, nil
}

// PublishDir uploads every file under localDir to the processed bucket under
// the jobID prefix, then grants public-read on each uploaded object. Any
// failure makes the whole publish fail.
func (o *ObjectStore) PublishDir(ctx context.Context, jobID, localDir string) error {
	ctx, span := tracer.Start(ctx, "publish-processed")
	defer span.End()

	var filesUploaded atomic.Int64
	var totalBytes atomic.Int64
	var firstErr atomic.Pointer[error]

	var mu sync.Mutex
	var uploadedKeys []string

	sem := make(chan struct{}, MaxConcurrentUploads)
	var wg sync.WaitGroup

	walkErr := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if firstErr.Load() != nil {
			return nil
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: during publish walk", models.ErrContextCanceled)
		}

		wg.Add(1)

		go func(filePath string, fileInfo os.FileInfo) {
			defer wg.Done()
			defer func() { <-sem }()

			if firstErr.Load() != nil {
				return
			}

			relPath, err := filepath.Rel(localDir, filePath)
			if err != nil {
				wrappedErr := fmt.Errorf("failed to get relative path: %w", err)
				firstErr.CompareAndSwap(nil, &wrappedErr)
				return
			}
			key := fmt.Sprintf("%s/%s", jobID, relPath)

			file, err := os.Open(filePath)
			if err != nil {
				wrappedErr := fmt.Errorf("failed to open file %s: %w", filePath, err)
				firstErr.CompareAndSwap(nil, &wrappedErr)
				return
			}
			defer file.Close()

			_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(o.processedBucket),
				Key:         aws.String(key),
				Body:        file,
				ContentType: aws.String(contentType(filePath)),
			})
			if err != nil {
				wrappedErr := fmt.Errorf("failed to upload %s: %w", key, err)
				firstErr.CompareAndSwap(nil, &wrappedErr)
				return
			}

			filesUploaded.Add(1)
			totalBytes.Add(fileInfo.Size())

			mu.Lock()
			uploadedKeys = append(uploadedKeys, key)
			mu.Unlock()
		}(path, info)

		return nil
	})

	wg.Wait()

	if walkErr != nil {
		return walkErr
	}
	if errPtr := firstErr.Load(); errPtr != nil {
		return *errPtr
	}
	if filesUploaded.Load() == 0 {
		return fmt.Errorf("no processed files found in %s", localDir)
	}

	// Grants are applied only once every upload has succeeded.
	if err := o.makePublic(ctx, uploadedKeys); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.Int64("files.uploaded", filesUploaded.Load()),
		attribute.Int64("bytes.total", totalBytes.Load()),
	)

	o.log.InfoContext(ctx, "Processed files published",
		"jobId", jobID,
		"filesUploaded", filesUploaded.Load(),
		"totalBytes", totalBytes.Load(),
	)

	return nil
}

// makePublic marks each uploaded object publicly readable.
func (o *ObjectStore) makePublic(ctx context.Context, keys []string) error {
	var firstErr atomic.Pointer[error]

	sem := make(chan struct{}, MaxConcurrentUploads)
	var wg sync.WaitGroup

	for _, key := range keys {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: during public grant", models.ErrContextCanceled)
		}

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			if firstErr.Load() != nil {
				return
			}

			_, err := o.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
				Bucket: aws.String(o.processedBucket),
				Key:    aws.String(key),
				ACL:    s3types.ObjectCannedACLPublicRead,
			})
			if err != nil {
				wrappedErr := fmt.Errorf("failed to grant public read on %s: %w", key, err)
				firstErr.CompareAndSwap(nil, &wrappedErr)
			}
		}(key)
	}

	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// DeleteRaw removes the uploaded raw asset from the raw bucket.
func (o *ObjectStore) DeleteRaw(ctx context.Context, assetName string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.rawBucket),
		Key:    aws.String(assetName),
	})
	if err != nil {
		return fmt.Errorf("failed to delete raw object %s: %w", assetName, err)
	}
	return nil
}

// DeleteProcessedPrefix removes every processed object under the jobID
// prefix. Used to clear partial publishes before a retry.
func (o *ObjectStore) DeleteProcessedPrefix(ctx context.Context, jobID string) error {
	prefix := jobID + "/"

	var continuation *string
	for {
		page, err := o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(o.processedBucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("failed to list processed objects for %s: %w", jobID, err)
		}

		if len(page.Contents) > 0 {
			objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
			for _, obj := range page.Contents {
				objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
			}

			_, err = o.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(o.processedBucket),
				Delete: &s3types.Delete{
					Objects: objects,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to delete processed objects for %s: %w", jobID, err)
			}
		}

		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}
		continuation = page.NextContinuationToken
	}
}

// contentType returns the content type for a processed artifact.
func contentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp4":
		return "video/mp4"
	case ".mpd":
		return "application/dash+xml"
	case ".m4s":
		return "video/iso.segment"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
