package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubExecutor struct {
	token string
	err   error
	exec  struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.CommandTag{}, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{token: s.token, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	token string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 0 {
		return errors.New("no dest")
	}
	ptr, ok := dest[0].(*string)
	if !ok {
		return errors.New("invalid dest")
	}
	*ptr = r.token
	return nil
}

func TestPainterKeys(t *testing.T) {
	store := NewStore(&stubExecutor{token: " k1 , k2 ,, k3 "})
	keys, err := store.PainterKeys(context.Background())
	if err != nil {
		t.Fatalf("PainterKeys error: %v", err)
	}
	if len(keys) != 3 || keys[0] != "k1" || keys[1] != "k2" || keys[2] != "k3" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestPainterKeys_NoRows(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	keys, err := store.PainterKeys(context.Background())
	if err != nil {
		t.Fatalf("PainterKeys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestSetPainterKeys(t *testing.T) {
	exec := &stubExecutor{}
	store := NewStore(exec)
	if err := store.SetPainterKeys(context.Background(), []string{" k1 ", "k2"}); err != nil {
		t.Fatalf("SetPainterKeys error: %v", err)
	}
	if len(exec.exec.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(exec.exec.args))
	}
	if v, ok := exec.exec.args[1].(string); !ok || v != "k1,k2" {
		t.Fatalf("expected joined keys argument, got %T %v", exec.exec.args[1], exec.exec.args[1])
	}
}

func TestSetPainterKeysEmpty(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.SetPainterKeys(context.Background(), []string{" ", ""}); err == nil {
		t.Fatal("expected error for empty key pool")
	}
}

func TestAddPainterKeyDeduplicates(t *testing.T) {
	exec := &stubExecutor{token: "k1,k2"}
	store := NewStore(exec)
	if err := store.AddPainterKey(context.Background(), "k2"); err != nil {
		t.Fatalf("AddPainterKey error: %v", err)
	}
	if exec.exec.query != "" {
		t.Fatal("expected no write for a duplicate key")
	}
	if err := store.AddPainterKey(context.Background(), "k3"); err != nil {
		t.Fatalf("AddPainterKey error: %v", err)
	}
	if v, ok := exec.exec.args[1].(string); !ok || v != "k1,k2,k3" {
		t.Fatalf("expected appended pool, got %T %v", exec.exec.args[1], exec.exec.args[1])
	}
}

func TestAddPainterKeyEmpty(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.AddPainterKey(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty key")
	}
}
