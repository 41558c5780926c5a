package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"paper-ingest/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// metaChecksum ist der User-Metadata-Key, unter dem der SHA-256 liegt.
const metaChecksum = "sha256"

// S3API ist der Ausschnitt des S3-Clients, den der Store braucht.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Endpunkt.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.S3URL,
				SigningRegion:     cfg.S3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// S3Store legt Blobs in einem (idealerweise versionierten) Bucket ab. Die
// Version ist die VersionId des Buckets; ohne Versionierung der Checksum.
type S3Store struct {
	client S3API
	bucket string
	logger *zap.Logger
}

func NewS3Store(client S3API, bucket string, logger *zap.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, logger: logger}
}

func (s *S3Store) Name() string { return "s3" }

// Put lädt obj hoch, sofern unter dem Key nicht bereits derselbe Inhalt liegt.
func (s *S3Store) Put(ctx context.Context, obj Object) (VersionPointer, error) {
	b, err := readBody(obj.Body, obj.SizeHint)
	if err != nil {
		return VersionPointer{}, fmt.Errorf("read blob %s: %w", obj.Key, err)
	}
	defer b.Close()
	sum := b.sum
	contentType, mismatch := resolveContentType(b.head(), obj.ContentType)
	log := s.logger.With(zap.String("key", obj.Key), zap.String("size", humanize.Bytes(uint64(b.size))))
	if mismatch {
		log.Warn("Declared content type does not match content", zap.String("declared", obj.ContentType))
	}

	ptr := VersionPointer{Key: obj.Key, Checksum: sum, Size: b.size, ContentType: contentType}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &obj.Key})
	switch {
	case err == nil && head.Metadata[metaChecksum] == sum:
		ptr.Version = versionOrChecksum(head.VersionId, sum)
		ptr.Deduplicated = true
		log.Debug("Blob already stored", zap.String("version", ptr.Version))
		return ptr, nil
	case err != nil && !isNotFound(err):
		return VersionPointer{}, fmt.Errorf("head %s: %w", obj.Key, err)
	}

	content, err := b.reader()
	if err != nil {
		return VersionPointer{}, fmt.Errorf("rewind blob %s: %w", obj.Key, err)
	}
	in := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &obj.Key,
		Body:          content,
		ContentLength: aws.Int64(b.size),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{metaChecksum: sum},
	}
	if obj.DownloadName != "" {
		in.ContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", obj.DownloadName))
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return VersionPointer{}, fmt.Errorf("put %s: %w", obj.Key, err)
	}
	ptr.Version = versionOrChecksum(out.VersionId, sum)
	log.Debug("Blob uploaded", zap.String("version", ptr.Version))
	return ptr, nil
}

// Get liefert genau die Version, auf die ptr zeigt.
func (s *S3Store) Get(ctx context.Context, ptr VersionPointer) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{Bucket: &s.bucket, Key: &ptr.Key}
	if ptr.Version != "" && !strings.HasPrefix(ptr.Version, VersionPrefix) {
		in.VersionId = aws.String(ptr.Version)
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, ptr.Key, ptr.Version)
		}
		return nil, fmt.Errorf("get %s: %w", ptr.Key, err)
	}
	return out.Body, nil
}

func versionOrChecksum(versionID *string, sum string) string {
	v := aws.ToString(versionID)
	if v == "" || v == "null" {
		return contentVersion(sum)
	}
	return v
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
