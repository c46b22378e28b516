package assetcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gisement-io/gisement/internal/imaging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the MinIO cache.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

func (c MinIOConfig) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("ASSET_CACHE_ENDPOINT is required for the minio asset cache"))
	}
	if c.Bucket == "" {
		errs = append(errs, errors.New("ASSET_CACHE_BUCKET is required for the minio asset cache"))
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		errs = append(errs, errors.New("ASSET_CACHE_ACCESS_KEY and ASSET_CACHE_SECRET_KEY are required for the minio asset cache"))
	}
	return errors.Join(errs...)
}

// MinIO keeps cached images in a MinIO bucket, created on first use.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure asset bucket: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinIO) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.prefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s%s: %w", m.bucket, m.prefix, key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s/%s%s: %w", m.bucket, m.prefix, key, err)
	}
	return body, true, nil
}

func (m *MinIO) Put(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.prefix+key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: imaging.ContentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s%s: %w", m.bucket, m.prefix, key, err)
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
