package db

import (
	"context"
	"errors"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestNoopTransactor_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	calls := 0
	err := NoopTransactor{}.InTx(context.Background(), func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
	if calls != 1 {
		t.Errorf("expected fn to run once, ran %d times", calls)
	}
}
