package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// queryLogger reports GORM activity through zerolog. Failed statements are
// logged at error level except for record-not-found, which is an ordinary
// outcome for feed lookups. Statements slower than slow are logged at warn.
type queryLogger struct {
	log   zerolog.Logger
	slow  time.Duration
	level gormlogger.LogLevel
}

// WithQueryLog returns a session of db that logs through l. A zero slow
// disables slow-statement logging.
func WithQueryLog(db *gorm.DB, l zerolog.Logger, slow time.Duration) *gorm.DB {
	return db.Session(&gorm.Session{Logger: &queryLogger{log: l, slow: slow, level: gormlogger.Warn}})
}

func (q *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *q
	c.level = level
	return &c
}

func (q *queryLogger) Info(_ context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Info {
		q.log.Info().Msg(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Warn(_ context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Warn {
		q.log.Warn().Msg(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Error(_ context.Context, msg string, args ...any) {
	if q.level >= gormlogger.Error {
		q.log.Error().Msg(fmt.Sprintf(msg, args...))
	}
}

func (q *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if q.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && q.level >= gormlogger.Error:
		sql, rows := fc()
		q.log.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case q.slow > 0 && elapsed > q.slow && q.level >= gormlogger.Warn:
		sql, rows := fc()
		q.log.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case q.level >= gormlogger.Info:
		sql, rows := fc()
		q.log.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
