// Package state persists batch reports and provides the locks that keep
// concurrent invocations from syncing the same collection twice.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gisement-io/gisement/internal/ir"
)

// ErrNoReport is returned by Latest before any batch was saved.
var ErrNoReport = errors.New("no batch report saved yet")

// ReportStore keeps the most recent batch report.
type ReportStore interface {
	Save(ctx context.Context, result *ir.BatchResult) error
	Latest(ctx context.Context) (*ir.BatchResult, error)
}

// LocalReports writes the report to a file, encrypted when
// GISEMENT_REPORT_ENCRYPTION_KEY is set.
type LocalReports struct {
	path string
}

func NewLocalReports(path string) *LocalReports {
	return &LocalReports{path: path}
}

func (l *LocalReports) Save(_ context.Context, result *ir.BatchResult) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	content, err := encodeReport(result)
	if err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write report file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace report file %s: %w", l.path, err)
	}
	return nil
}

func (l *LocalReports) Latest(_ context.Context) (*ir.BatchResult, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report file %s: %w", l.path, err)
	}
	return decodeReport(raw)
}

func encodeReport(result *ir.BatchResult) ([]byte, error) {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	encrypted, err := EncryptReport(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt report: %w", err)
	}
	return encrypted, nil
}

func decodeReport(raw []byte) (*ir.BatchResult, error) {
	content, err := DecryptReport(raw)
	if err != nil {
		return nil, err
	}
	var result ir.BatchResult
	if err := json.Unmarshal(content, &result); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &result, nil
}
