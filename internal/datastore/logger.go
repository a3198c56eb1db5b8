package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
)

// gormLogger bridges GORM's logger interface onto the service slog logger.
type gormLogger struct {
	slowThreshold time.Duration
	level         gormlogger.LogLevel
}

func newGormLogger() *gormLogger {
	return &gormLogger{
		slowThreshold: 200 * time.Millisecond,
		level:         gormlogger.Warn,
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		logging.ForService("datastore").InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		logging.ForService("datastore").WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		logging.ForService("datastore").ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		logging.ForService("datastore").ErrorContext(ctx, "query failed",
			"error", err, "sql", sql, "rows", rows, "duration", elapsed)
	case l.slowThreshold != 0 && elapsed > l.slowThreshold:
		sql, rows := fc()
		logging.ForService("datastore").WarnContext(ctx, "slow query",
			"sql", sql, "rows", rows, "duration", elapsed, "threshold", l.slowThreshold)
	}
}
