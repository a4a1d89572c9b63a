package backup

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fleetops/logkeeper/internal/config"
)

// S3Store implements ObjectStore on AWS S3 (or any S3-compatible endpoint).
// Uploads carry a SHA-256 checksum so Head can return a server-side digest
// without re-downloading the object.
type S3Store struct {
	client       *s3.Client
	bucket       string
	storageClass string
}

// NewS3Store creates an S3-backed object store from the storage config.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		client:       s3.NewFromConfig(awsCfg, opts...),
		bucket:       cfg.Bucket,
		storageClass: cfg.StorageClass,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, sha256Hex string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		Body:              body,
		ContentLength:     aws.Int64(size),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		Metadata:          metadata,
	}

	if sha256Hex != "" {
		b64, err := hexDigestToBase64(sha256Hex)
		if err != nil {
			return err
		}
		input.ChecksumSHA256 = aws.String(b64)
	}
	if s.storageClass != "" {
		input.StorageClass = s3types.StorageClass(s.storageClass)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		ChecksumMode: s3types.ChecksumModeEnabled,
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("failed to head S3 object: %w", err)
	}

	info := ObjectInfo{Size: aws.ToInt64(out.ContentLength)}
	if out.ChecksumSHA256 != nil {
		digest, err := base64DigestToHex(aws.ToString(out.ChecksumSHA256))
		if err == nil {
			info.Digest = digest
		}
	}
	return info, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get S3 object: %w", err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object: %w", err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectEntry, error) {
	var entries []ObjectEntry
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			entries = append(entries, ObjectEntry{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

func hexDigestToBase64(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("invalid hex digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func base64DigestToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 digest: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
