package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

// fakeTx records how the transaction ended. Unused pgx.Tx methods panic
// through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx     *fakeTx
	begins int
	err    error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.begins++
	b.tx = &fakeTx{}
	return b.tx, nil
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestInTx_Commit(t *testing.T) {
	b := &fakeBeginner{}
	var seen pgx.Tx
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		seen = TxFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != b.tx {
		t.Error("fn runs with the transaction in its context")
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit, got %+v", b.tx)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := InTx(context.Background(), b, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("expected rollback, got %+v", b.tx)
	}
}

func TestInTx_ReusesOuterTransaction(t *testing.T) {
	b := &fakeBeginner{}
	run := TxRunner(b)
	err := run(context.Background(), func(ctx context.Context) error {
		return run(ctx, func(inner context.Context) error {
			if TxFromContext(inner) != TxFromContext(ctx) {
				t.Error("nested call shares the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.begins != 1 {
		t.Errorf("expected one transaction, got %d", b.begins)
	}
}

func TestInTx_BeginError(t *testing.T) {
	b := &fakeBeginner{err: errors.New("pool closed")}
	called := false
	err := InTx(context.Background(), b, func(context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("expected begin failure without calling fn, got %v called=%v", err, called)
	}
}
