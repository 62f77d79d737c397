// Package storage persists the trade journal. The trading core emits
// events through domain.TradeRecorder and keeps no durable state itself;
// this store is the sink.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vikrant/options_trade_bot/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			client_order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			requested_price REAL NOT NULL DEFAULT 0,
			avg_fill_price REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);`,
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			option_type TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			stop REAL NOT NULL,
			target REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			exit_reason TEXT NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_exit_time ON closed_positions(exit_time);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// TradeRecorder implementation

func (s *SQLiteStore) RecordOrder(ctx context.Context, order *domain.Order) error {
	query := `INSERT OR REPLACE INTO orders (id, client_order_id, symbol, side, kind, quantity, requested_price, avg_fill_price, status, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		order.ID, order.ClientOrderID, order.Symbol, string(order.Side), string(order.Kind),
		order.Quantity, order.RequestedPrice, order.AvgFillPrice, string(order.Status),
		order.Reason, createdAt)
	return err
}

func (s *SQLiteStore) RecordClosedPosition(ctx context.Context, pos *domain.Position) error {
	query := `INSERT INTO closed_positions (id, symbol, option_type, quantity, entry_price, exit_price, stop, target, realized_pnl, exit_reason, entry_time, exit_time)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		pos.ID, pos.Symbol, string(pos.Type), pos.Quantity, pos.EntryPrice, pos.ExitPrice,
		pos.Stop, pos.Target, pos.RealizedPnL, pos.ExitReason, pos.EntryTime, pos.ExitTime)
	return err
}

// ListClosedPositions returns journal entries closed in [from, to), newest
// first.
func (s *SQLiteStore) ListClosedPositions(ctx context.Context, from, to time.Time) ([]*domain.Position, error) {
	query := `SELECT id, symbol, option_type, quantity, entry_price, exit_price, stop, target, realized_pnl, exit_reason, entry_time, exit_time
			  FROM closed_positions WHERE exit_time >= ? AND exit_time < ? ORDER BY exit_time DESC`
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var p domain.Position
		var optType string
		if err := rows.Scan(&p.ID, &p.Symbol, &optType, &p.Quantity, &p.EntryPrice, &p.ExitPrice,
			&p.Stop, &p.Target, &p.RealizedPnL, &p.ExitReason, &p.EntryTime, &p.ExitTime); err != nil {
			return nil, err
		}
		p.Type = domain.OptionType(optType)
		p.State = domain.PositionClosed
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// DailyPnL sums realized PnL for the trading date containing t.
func (s *SQLiteStore) DailyPnL(ctx context.Context, t time.Time) (float64, error) {
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	query := `SELECT COALESCE(SUM(realized_pnl), 0) FROM closed_positions WHERE exit_time >= ? AND exit_time < ?`
	var pnl float64
	err := s.db.QueryRowContext(ctx, query, dayStart, dayStart.Add(24*time.Hour)).Scan(&pnl)
	return pnl, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
