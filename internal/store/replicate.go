package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ontoserve/authcore/internal"
)

// S3Replicator mirrors the snapshot file into a versioned object bucket:
// Pull fetches the remote snapshot into the storage directory before the
// store loads it, Push uploads the current snapshot after a save.
type S3Replicator struct {
	cfg    internal.ReplicationConfig
	dir    string
	logger *slog.Logger
}

func NewS3Replicator(cfg internal.ReplicationConfig, storageDir string, logger *slog.Logger) *S3Replicator {
	return &S3Replicator{cfg: cfg, dir: storageDir, logger: logger}
}

func (r *S3Replicator) client(ctx context.Context) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(r.cfg.Region),
	}
	if r.cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(r.cfg.AccessKey, r.cfg.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if r.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(r.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// Pull downloads the remote snapshot into the storage directory. A missing
// remote object is not an error: a fresh bucket simply has nothing to pull.
func (r *S3Replicator) Pull(ctx context.Context) error {
	client, err := r.client(ctx)
	if err != nil {
		return err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.cfg.Key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			r.logger.Info("no remote snapshot to pull", "bucket", r.cfg.Bucket, "key", r.cfg.Key)
			return nil
		}
		return fmt.Errorf("failed to fetch remote snapshot: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("failed to read remote snapshot: %w", err)
	}
	local := filepath.Join(r.dir, snapshotFile)
	if err := os.WriteFile(local, data, 0o600); err != nil {
		return fmt.Errorf("failed to write pulled snapshot: %w", err)
	}
	r.logger.Info("pulled remote snapshot", "bucket", r.cfg.Bucket, "bytes", len(data))
	return nil
}

// Push uploads the current snapshot. Nothing to do if no snapshot has been
// written yet.
func (r *S3Replicator) Push(ctx context.Context) error {
	local := filepath.Join(r.dir, snapshotFile)
	data, err := os.ReadFile(local)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot for push: %w", err)
	}

	client, err := r.client(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.cfg.Key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to push snapshot: %w", err)
	}
	r.logger.Debug("pushed snapshot", "bucket", r.cfg.Bucket, "bytes", len(data))
	return nil
}
