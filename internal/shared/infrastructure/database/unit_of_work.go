package database

import (
	"context"
	"errors"
)

type txKey struct{}

// TxInfo holds the transaction in context and whether it is owned by the caller.
type TxInfo struct {
	Tx    Transaction
	Owned bool
}

// WithTx stores transaction info in the context.
func WithTx(ctx context.Context, tx Transaction, owned bool) context.Context {
	return context.WithValue(ctx, txKey{}, TxInfo{Tx: tx, Owned: owned})
}

// TxInfoFromContext extracts transaction info from the context.
func TxInfoFromContext(ctx context.Context) (TxInfo, bool) {
	info, ok := ctx.Value(txKey{}).(TxInfo)
	if !ok || info.Tx == nil {
		return TxInfo{}, false
	}
	return info, true
}

// ExecutorFromContext returns the transaction if present, otherwise the connection.
func ExecutorFromContext(ctx context.Context, conn Connection) Executor {
	if info, ok := TxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return conn
}

// UnitOfWork implements application.UnitOfWork for any database driver.
type UnitOfWork struct {
	conn Connection
}

// NewUnitOfWork creates a new UnitOfWork.
func NewUnitOfWork(conn Connection) *UnitOfWork {
	return &UnitOfWork{conn: conn}
}

// Begin starts a transaction and stores it in the context.
// An enclosing transaction is reused and left to its owner to finish.
func (u *UnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	if info, ok := TxInfoFromContext(ctx); ok {
		return WithTx(ctx, info.Tx, false), nil
	}

	tx, err := u.conn.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return WithTx(ctx, tx, true), nil
}

// Commit commits the transaction if this unit owns it.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	info, ok := TxInfoFromContext(ctx)
	if !ok {
		return errors.New("no transaction in context")
	}
	if !info.Owned {
		return nil
	}
	return info.Tx.Commit(ctx)
}

// Rollback rolls back the transaction if this unit owns it.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	info, ok := TxInfoFromContext(ctx)
	if !ok {
		return errors.New("no transaction in context")
	}
	if !info.Owned {
		return nil
	}
	return info.Tx.Rollback(ctx)
}
