package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// BatchLog collects the human-readable lines returned to the caller of a batch
// and mirrors each of them to the structured logger.
type BatchLog struct {
	mu     sync.Mutex
	lines  []string
	logger *slog.Logger
}

// NewBatchLog returns a collector tagged with the run id.
func NewBatchLog(runID string) *BatchLog {
	return &BatchLog{logger: Logger().With("run_id", runID)}
}

// Infof records an informational line.
func (b *BatchLog) Infof(format string, args ...any) {
	b.add(slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf records a warning line.
func (b *BatchLog) Warnf(format string, args ...any) {
	b.add(slog.LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf records an error line.
func (b *BatchLog) Errorf(format string, args ...any) {
	b.add(slog.LevelError, fmt.Sprintf(format, args...))
}

// Lines returns a copy of the collected lines.
func (b *BatchLog) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *BatchLog) add(level slog.Level, msg string) {
	b.mu.Lock()
	b.lines = append(b.lines, msg)
	b.mu.Unlock()
	b.logger.Log(context.Background(), level, msg)
}
