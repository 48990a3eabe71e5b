package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically removes orphaned tag members.
type Janitor struct {
	store   Store
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

// NewJanitor schedules cleanup runs. schedule accepts standard cron
// expressions and descriptors such as "@every 1h".
func NewJanitor(store Store, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "janitor"))
	j := &Janitor{
		store:   store,
		logger:  logger,
		timeout: time.Minute,
		cron:    cron.New(cron.WithLogger(cronLogger{logger: logger})),
	}
	if _, err := j.cron.AddFunc(schedule, j.Run); err != nil {
		return nil, fmt.Errorf("storage: janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Run performs one cleanup pass.
func (j *Janitor) Run() {
	if !j.store.IsAvailable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	removed := j.store.CleanupOrphanedTagMembers(ctx)
	j.logger.Debug("janitor pass complete", slog.Int("removed", removed))
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
