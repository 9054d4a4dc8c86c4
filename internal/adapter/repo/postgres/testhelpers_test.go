package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed set of scan callbacks.
type rowsStub struct {
	scans []func(dest ...any) error
	pos   int
	err   error
}

func (r *rowsStub) Next() bool { return r.pos < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	s := r.scans[r.pos]
	r.pos++
	return s(dest...)
}
func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// execCall records one Exec invocation for assertions.
type execCall struct {
	sql  string
	args []any
}

// poolStub implements postgres.PgxPool for tests.
// Define in a shared helper so multiple *_test.go files can reuse it without redefs.
type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	execs    []execCall
	row      rowStub
	rowFn    func(sql string, args []any) pgx.Row
	rows     pgx.Rows
	queryErr error
	lastSQL  string
	lastArgs []any
	tx       *txStub
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	p.lastSQL, p.lastArgs = sql, args
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL, p.lastArgs = sql, args
	if p.rowFn != nil {
		return p.rowFn(sql, args)
	}
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}

// txStub implements pgx.Tx; only Exec/Commit/Rollback carry behavior.
type txStub struct {
	execErr    error
	execs      []execCall
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *txStub) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, t.execErr
}
func (t *txStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return &rowsStub{}, nil
}
func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}
func (t *txStub) Conn() *pgx.Conn { return nil }
