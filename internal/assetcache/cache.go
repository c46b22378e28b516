// Package assetcache stores normalized images so repeated proxy requests do
// not transcode the same source twice.
package assetcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gisement-io/gisement/internal/config"
	"github.com/gisement-io/gisement/internal/ir"
)

// Cache maps descriptor keys to normalized image bytes.
type Cache interface {
	// Get returns the cached bytes and whether they were found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, body []byte) error
}

// Key derives the cache key of an asset from its source and output
// constraints, so a change of quality or width misses the old entry.
func Key(d ir.AssetDescriptor) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%d\x00%d", d.SourceURL, d.MaxWidth, d.Format, d.Quality, d.MaxBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, string, []byte) error        { return nil }

// Open builds the cache selected by cfg.Driver.
func Open(ctx context.Context, cfg config.AssetCacheConfig) (Cache, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(cfg.Size)
	case "s3":
		return NewS3(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	case "minio":
		return NewMinIO(ctx, MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown asset cache driver %q", cfg.Driver)
	}
}
