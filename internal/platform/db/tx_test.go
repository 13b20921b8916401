package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey{}, "not a tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil tx for wrong value type")
	}
}

func TestInTx_NoConnection(t *testing.T) {
	err := InTx(context.Background(), nil, func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error without a connection")
	}
}

type failingBeginner struct{}

func (failingBeginner) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("connection refused")
}

func TestInTx_BeginError(t *testing.T) {
	called := false
	err := InTx(context.Background(), failingBeginner{}, func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected begin error")
	}
	if called {
		t.Error("fn must not run when begin fails")
	}
}
