package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger sends gorm output to zap with the request fields of the query
// context. Bound parameters are never logged.
type GormLogger struct {
	base          *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger logs failed queries and queries slower than slowThreshold.
func NewGormLogger(base *zap.Logger, slowThreshold time.Duration) *GormLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &GormLogger{
		base:          base.Named("gorm"),
		level:         gormlogger.Warn,
		slowThreshold: slowThreshold,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		WithContext(ctx, l.base).Info(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		WithContext(ctx, l.base).Warn(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		WithContext(ctx, l.base).Error(msg, zap.Any("data", data))
	}
}

// Trace logs a query. Record-not-found is not an error: repositories turn it
// into nil results.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	if errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}

	var level zapcore.Level
	switch {
	case err != nil && l.level >= gormlogger.Error:
		level = zapcore.ErrorLevel
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		level = zapcore.WarnLevel
	case l.level >= gormlogger.Info:
		level = zapcore.DebugLevel
	default:
		return
	}

	sql, rows := fc()
	op, table := describeSQL(sql)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.Int64("rows_affected", rows),
		zap.String("sql", strings.TrimSpace(sql)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	WithContext(ctx, l.base).Log(level, "gorm.query", fields...)
}

// ParamsFilter drops bound values.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

// describeSQL returns the statement verb and the first table it touches.
func describeSQL(sql string) (string, string) {
	tokens := strings.Fields(strings.ToUpper(sql))
	raw := strings.Fields(sql)
	op, table := "UNKNOWN", ""
	for i, tok := range tokens {
		tok = strings.Trim(tok, "();")
		switch tok {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if op == "UNKNOWN" {
				op = tok
			}
			if tok == "UPDATE" && table == "" && i+1 < len(raw) {
				table = cleanIdent(raw[i+1])
			}
		case "FROM", "INTO":
			if table == "" && i+1 < len(raw) {
				table = cleanIdent(raw[i+1])
			}
		}
	}
	return op, table
}

func cleanIdent(s string) string {
	return strings.Trim(s, "`\"();,")
}

var _ gormlogger.Interface = (*GormLogger)(nil)
