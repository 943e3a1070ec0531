package blobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

// DefaultPresignTTL bounds how long S3 blob URLs handed to clients remain
// valid.
const DefaultPresignTTL = 30 * time.Minute

// S3Backend implements a blob backend using Amazon S3 or compatible
// services. It supports both public read-only access and authenticated
// write access.
type S3Backend struct {
	client         *s3.S3
	writeClient    *s3.S3
	uploader       *s3manager.Uploader
	bucketName     string
	prefix         string
	presignTTL     time.Duration
	log            *slog.Logger
	locationURI    string
	hasWriteAccess bool
}

// NewS3Backend creates a new S3 blob backend.
// If accessKey and secretKey are provided, the backend will have write access.
// Otherwise, it will be read-only for publicly accessible objects.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	// Format the URI for tracking
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
		if endpoint != "" {
			uri += fmt.Sprintf("&endpoint=%s", endpoint)
		}
	}

	// Configure base AWS SDK for read-only public access
	baseCfg := aws.Config{
		Region: aws.String(region),
	}

	if endpoint != "" {
		baseCfg.Endpoint = aws.String(endpoint)
		baseCfg.S3ForcePathStyle = aws.Bool(true)
	}

	// Create AWS session for read operations (no credentials required for public buckets)
	baseSess, err := session.NewSession(&baseCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// Create read-only S3 client
	readClient := s3.New(baseSess)

	// Check if we have write credentials
	hasWriteAccess := accessKey != "" && secretKey != ""
	var writeClient *s3.S3

	if hasWriteAccess {
		// Configure AWS SDK with credentials for write access
		writeCfg := baseCfg.Copy()
		writeCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")

		// Create AWS session for write operations
		writeSess, err := session.NewSession(writeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS write session: %w", err)
		}

		// Create write-enabled S3 client
		writeClient = s3.New(writeSess)
	} else {
		// No write credentials provided, use the read client for both
		writeClient = readClient
		log.Warn("No S3 credentials provided - write operations may fail unless bucket is public writable")
	}

	return &S3Backend{
		client:         readClient,
		writeClient:    writeClient,
		uploader:       s3manager.NewUploaderWithClient(writeClient),
		bucketName:     bucketName,
		prefix:         strings.TrimSuffix(prefix, "/"),
		presignTTL:     DefaultPresignTTL,
		log:            log,
		locationURI:    uri,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Put streams a payload to S3 under the given blob id. The upload manager
// chunks the stream, so payloads of any size are handled without buffering
// them whole.
func (b *S3Backend) Put(ctx context.Context, blobID string, content io.Reader, size int64) error {
	start := time.Now()
	key := b.objectKey(blobID)

	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   content,
	})
	if err != nil {
		if !b.hasWriteAccess {
			return fmt.Errorf("failed to upload blob to S3 (no write credentials provided): %w", err)
		}
		b.log.Error("Failed to upload blob to S3",
			slog.String("blob_id", blobID),
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	b.log.Debug("Stored blob in S3",
		slog.String("blob_id", blobID),
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Open streams a stored blob back from S3. Returns ErrNotFound if the
// object doesn't exist.
func (b *S3Backend) Open(ctx context.Context, blobID string) (io.ReadCloser, error) {
	start := time.Now()
	key := b.objectKey(blobID)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			b.log.Debug("Blob not found in S3",
				slog.String("blob_id", blobID),
				slog.String("bucket", b.bucketName),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
		}

		b.log.Error("Failed to get blob from S3",
			slog.String("blob_id", blobID),
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	return result.Body, nil
}

// URL resolves a stored blob to a presigned GET URL. Returns ErrNotFound if
// the object doesn't exist.
func (b *S3Backend) URL(ctx context.Context, blobID string) (string, error) {
	key := b.objectKey(blobID)

	// Head first so missing blobs surface as not found rather than as a
	// presigned URL that will 404 later.
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
		}
		return "", fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	req, _ := b.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	urlStr, err := req.Presign(b.presignTTL)
	if err != nil {
		return "", fmt.Errorf("failed to presign blob URL: %w", err)
	}

	return urlStr, nil
}

// Remove deletes a stored blob. S3 treats deleting a missing key as
// success, so removal is naturally idempotent.
func (b *S3Backend) Remove(ctx context.Context, blobID string) error {
	key := b.objectKey(blobID)

	_, err := b.writeClient.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	b.log.Debug("Removed blob from S3",
		slog.String("blob_id", blobID),
		slog.String("bucket", b.bucketName),
		slog.String("key", key))

	return nil
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()

	// Try to head the bucket to check if it's accessible
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})

	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}

	return true
}

// Name returns a unique identifier for this blob backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this blob backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

// objectKey generates an S3 object key for a blob id.
func (b *S3Backend) objectKey(blobID string) string {
	if b.prefix == "" {
		return blobID
	}
	return path.Join(b.prefix, blobID)
}

// isS3NotFound matches the error strings the SDK surfaces for missing
// objects.
func isS3NotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "404")
}
