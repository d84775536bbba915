package secondary

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// uploader is the part of *manager.Uploader the output uses.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Output uploads failed chunks to a bucket.
type S3Output struct {
	bucket   string
	prefix   string
	table    TableFunc
	uploader uploader
}

// NewS3Output loads the AWS configuration and creates a multipart uploader.
func NewS3Output(ctx context.Context, cfg Config, table TableFunc) (*S3Output, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	return newS3Output(cfg.S3.Bucket, cfg.Prefix, table, manager.NewUploader(client)), nil
}

func newS3Output(bucket, prefix string, table TableFunc, up uploader) *S3Output {
	return &S3Output{bucket: bucket, prefix: prefix, table: table, uploader: up}
}

// Save streams the payload to s3://bucket/prefix/<table>/<chunk-id>.jsonl.zst.
func (o *S3Output) Save(ctx context.Context, c chunk.Chunk) (string, error) {
	key := ObjectKey(o.prefix, tableName(o.table, c), c.ID())

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(chunk.WriteJSONLines(pw, c))
	}()

	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(o.bucket),
		Key:             aws.String(key),
		Body:            pr,
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"chunk-id": c.ID(),
			"tag":      c.Metadata().Tag,
			"records":  fmt.Sprint(c.Len()),
		},
	})
	pr.CloseWithError(err)
	if err != nil {
		return "", fmt.Errorf("failed to upload chunk %s to s3://%s/%s: %w", c.ID(), o.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", o.bucket, key), nil
}

func (o *S3Output) Type() string { return TypeS3 }

func tableName(fn TableFunc, c chunk.Chunk) string {
	if fn == nil {
		return ""
	}
	return fn(c.Metadata())
}
