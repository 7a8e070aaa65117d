// Package sqlite keeps a session archive of every bar the feed has seen,
// beyond the bounded in-memory history. The default DSN is in-memory, so the
// archive lives and dies with the process; it is never read back to seed the
// feed.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"marketfeed/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the archive.
type Config struct {
	// DSN is a go-sqlite3 data source, e.g. ":memory:" or "data/session.db".
	DSN string

	BatchSize  int
	FlushDelay time.Duration
}

// Archive is a single-writer SQLite store with transaction batching.
type Archive struct {
	db         *sql.DB
	inst       model.Instrument
	batchSize  int
	flushDelay time.Duration
	log        *zap.Logger

	// OnFlush is called after each committed batch.
	OnFlush func(rows int, elapsed time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// Open opens the database and creates the schema.
func Open(cfg Config, inst model.Instrument, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}

	db, err := sql.Open("sqlite3", dsnWithPragmas(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One connection: a single writer, and in-memory databases are
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	a := &Archive{
		db:         db,
		inst:       inst,
		batchSize:  cfg.BatchSize,
		flushDelay: cfg.FlushDelay,
		log:        log.Named("sqlite"),
	}
	a.log.Info("opened archive", zap.String("dsn", cfg.DSN))
	return a, nil
}

func dsnWithPragmas(dsn string) string {
	params := "_busy_timeout=5000"
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory {
		params += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			time       INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			updates    INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (symbol, interval, time)
		);
	`)
	return err
}

// Run reads candles from candleCh and upserts them in batched transactions.
// Flushes every batchSize candles OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or candleCh is closed.
func (a *Archive) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, a.batchSize)
	timer := time.NewTimer(a.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := a.Write(batch); err != nil {
			a.log.Error("batch upsert failed", zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			a.log.Debug("committed batch", zap.Int("rows", len(batch)), zap.Duration("elapsed", time.Since(start)))
			if a.OnFlush != nil {
				a.OnFlush(len(batch), time.Since(start))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= a.batchSize {
				flush()
				timer.Reset(a.flushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(a.flushDelay)
		}
	}
}

// Write upserts candles in a single transaction. A bar seen again replaces
// the stored values and bumps its update count.
func (a *Archive) Write(candles []model.Candle) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO candles (symbol, interval, time, open, high, low, close, volume, updates, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (symbol, interval, time) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			updates = candles.updates + 1,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, c := range candles {
		if _, err := stmt.Exec(a.inst.Symbol, a.inst.Interval, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Range returns archived bars with from <= time <= to, oldest first. A zero
// to means no upper bound.
func (a *Archive) Range(ctx context.Context, from, to int64) ([]model.Candle, error) {
	if to <= 0 {
		to = 1<<63 - 1
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ? AND time >= ? AND time <= ?
		ORDER BY time ASC
	`, a.inst.Symbol, a.inst.Interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("sqlite range: %w", err)
	}
	defer rows.Close()

	out := []model.Candle{}
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats returns the number of archived bars and the newest bar time (0 when
// empty).
func (a *Archive) Stats(ctx context.Context) (count int, lastTime int64, err error) {
	var last sql.NullInt64
	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(time) FROM candles WHERE symbol = ? AND interval = ?`,
		a.inst.Symbol, a.inst.Interval,
	).Scan(&count, &last)
	if err != nil {
		return 0, 0, err
	}
	return count, last.Int64, nil
}

// Updates returns how many times the bar at time was written.
func (a *Archive) Updates(ctx context.Context, barTime int64) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT updates FROM candles WHERE symbol = ? AND interval = ? AND time = ?`,
		a.inst.Symbol, a.inst.Interval, barTime,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
