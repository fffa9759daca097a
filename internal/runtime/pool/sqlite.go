package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteDialer opens connections to the embedded transactional store. A
// single database handle is shared; each pooled Handle pins one dedicated
// connection from it so exclusive ownership holds.
type SQLiteDialer struct {
	db *sql.DB
}

// NewSQLiteDialer opens the store file and verifies it is reachable.
func NewSQLiteDialer(path string) (*SQLiteDialer, error) {
	if path == "" {
		return nil, errors.New("pool: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pool: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pool: ping sqlite: %w", err)
	}
	return &SQLiteDialer{db: db}, nil
}

// Dial pins a dedicated connection for exclusive use by one pooled Conn.
func (d *SQLiteDialer) Dial(ctx context.Context) (Handle, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool: sqlite conn: %w", err)
	}
	return &sqliteHandle{conn: conn}, nil
}

// Close releases the shared database handle. Call after the pool is closed.
func (d *SQLiteDialer) Close() error {
	return d.db.Close()
}

type sqliteHandle struct {
	conn *sql.Conn
	tx   *sql.Tx
}

func (h *sqliteHandle) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var res sql.Result
	var err error
	if h.tx != nil {
		res, err = h.tx.ExecContext(ctx, query, args...)
	} else {
		res, err = h.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (h *sqliteHandle) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows *sql.Rows
	var err error
	if h.tx != nil {
		rows, err = h.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = h.conn.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (h *sqliteHandle) Begin(ctx context.Context) error {
	if h.tx != nil {
		return errors.New("transaction already open")
	}
	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	h.tx = tx
	return nil
}

func (h *sqliteHandle) Commit() error {
	if h.tx == nil {
		return errors.New("no open transaction")
	}
	err := h.tx.Commit()
	h.tx = nil
	return err
}

func (h *sqliteHandle) Rollback() error {
	if h.tx == nil {
		return errors.New("no open transaction")
	}
	err := h.tx.Rollback()
	h.tx = nil
	return err
}

func (h *sqliteHandle) Ping(ctx context.Context) error {
	return h.conn.PingContext(ctx)
}

func (h *sqliteHandle) Close() error {
	if h.tx != nil {
		_ = h.tx.Rollback()
		h.tx = nil
	}
	return h.conn.Close()
}
