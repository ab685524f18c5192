// Package history appends dose events to ClickHouse.
package history

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/joshp123/gohome-herohealth/internal/config"
	"go.uber.org/zap"
)

// Events older than this are forgotten by the in-memory dedup set. The
// table's ReplacingMergeTree key still collapses late duplicates.
const seenRetention = 8 * 24 * time.Hour

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Event is one row of the history table.
type Event struct {
	Account    string    `ch:"account"`
	Kind       string    `ch:"kind"`
	EventTime  time.Time `ch:"event_time"`
	Status     string    `ch:"status"`
	Pills      string    `ch:"pills"`
	RecordedAt time.Time `ch:"recorded_at"`
}

type eventKey struct {
	account string
	kind    string
	at      int64
	status  string
}

func keyOf(e Event) eventKey {
	return eventKey{account: e.Account, kind: e.Kind, at: e.EventTime.Unix(), status: e.Status}
}

type ClickHouseSink struct {
	conn   driver.Conn
	table  string
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[eventKey]time.Time
}

func NewClickHouseSink(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (*ClickHouseSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("history")
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid history table name %q", cfg.Table)
	}
	password := ""
	if cfg.PasswordFile != "" {
		secret, err := config.ReadSecretFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read clickhouse password: %w", err)
		}
		password = secret
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.ClickHouseAddrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	v, err := conn.ServerVersion()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse server version: %w", err)
	}
	logger.Info("connected to clickhouse server", zap.String("version", v.Version.String()), zap.Uint64("revision", v.Revision))

	if err := conn.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	account String,
	kind LowCardinality(String),
	event_time DateTime,
	status LowCardinality(String),
	pills String,
	recorded_at DateTime
)
ENGINE = ReplacingMergeTree(recorded_at)
ORDER BY (account, kind, event_time, status)`, cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	return &ClickHouseSink{
		conn:   conn,
		table:  cfg.Table,
		logger: logger,
		now:    time.Now,
		seen:   make(map[eventKey]time.Time),
	}, nil
}

// Record inserts events that were not written before. Rows are only marked
// as seen once the batch was accepted.
func (s *ClickHouseSink) Record(ctx context.Context, events []Event) error {
	s.mu.Lock()
	rows := fresh(s.seen, events)
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare history batch: %w", err)
	}
	recorded := s.now().UTC()
	for i := range rows {
		rows[i].RecordedAt = recorded
		if err := batch.AppendStruct(&rows[i]); err != nil {
			s.logger.Warn("error appending history row", zap.Error(err))
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send history batch: %w", err)
	}

	s.mu.Lock()
	for _, row := range rows {
		s.seen[keyOf(row)] = row.EventTime
	}
	prune(s.seen, recorded.Add(-seenRetention))
	s.mu.Unlock()

	s.logger.Debug("recorded dose history", zap.Int("rows", len(rows)))
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// fresh returns events not yet in seen, without duplicates among themselves.
func fresh(seen map[eventKey]time.Time, events []Event) []Event {
	out := make([]Event, 0, len(events))
	batch := make(map[eventKey]struct{}, len(events))
	for _, e := range events {
		if e.EventTime.IsZero() {
			continue
		}
		key := keyOf(e)
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := batch[key]; ok {
			continue
		}
		batch[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func prune(seen map[eventKey]time.Time, before time.Time) {
	for key, at := range seen {
		if at.Before(before) {
			delete(seen, key)
		}
	}
}
