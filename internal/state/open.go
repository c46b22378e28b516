package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/gisement-io/gisement/internal/config"
)

// Locker is the lock contract shared by FileLocker and DynamoLocker.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

var (
	_ Locker      = (*FileLocker)(nil)
	_ Locker      = (*DynamoLocker)(nil)
	_ ReportStore = (*LocalReports)(nil)
	_ ReportStore = (*S3Reports)(nil)
)

// OpenReports builds the report store of cfg. The "none" backend yields a
// nil store.
func OpenReports(ctx context.Context, cfg config.ReportConfig) (ReportStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocalReports(cfg.Path), nil
	case "s3":
		return NewS3Reports(ctx, cfg.Bucket, cfg.Key, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown report backend: %s", cfg.Backend)
	}
}

// OpenLocker builds the locker of cfg. The "none" backend yields a nil
// locker.
func OpenLocker(ctx context.Context, cfg config.LockConfig) (Locker, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileLocker(cfg.Dir, cfg.TTL), nil
	case "dynamodb":
		return NewDynamoLocker(ctx, cfg.Table, cfg.Region, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", cfg.Backend)
	}
}
