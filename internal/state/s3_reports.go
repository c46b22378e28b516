package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gisement-io/gisement/internal/ir"
)

// S3Reports keeps the latest report as one S3 object.
type S3Reports struct {
	client  *s3.Client
	bucket  string
	key     string
	encrypt bool
}

func NewS3Reports(ctx context.Context, bucket, key, region string) (*S3Reports, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 reports require REPORT_S3_BUCKET")
	}
	if key == "" {
		key = "gisement/last-run.json"
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return &S3Reports{client: s3.NewFromConfig(cfg), bucket: bucket, key: key, encrypt: true}, nil
}

func (r *S3Reports) Save(ctx context.Context, result *ir.BatchResult) error {
	content, err := encodeReport(result)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(r.key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	}
	if r.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := r.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write report to s3://%s/%s: %w", r.bucket, r.key, err)
	}
	return nil
}

func (r *S3Reports) Latest(ctx context.Context) (*ir.BatchResult, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "StatusCode: 404") {
			return nil, ErrNoReport
		}
		return nil, fmt.Errorf("failed to read report from s3://%s/%s: %w", r.bucket, r.key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return decodeReport(buf.Bytes())
}
