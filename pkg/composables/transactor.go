package composables

import "context"

// Transactor lets services open transaction scopes without depending on a
// concrete pool, so they can be exercised with in-memory fakes.
type Transactor interface {
	InTx(ctx context.Context, fn func(context.Context) error) error
	InSavepoint(ctx context.Context, fn func(context.Context) error) error
}

type pgTransactor struct{}

func NewTransactor() Transactor {
	return pgTransactor{}
}

func (pgTransactor) InTx(ctx context.Context, fn func(context.Context) error) error {
	return InTx(ctx, fn)
}

func (pgTransactor) InSavepoint(ctx context.Context, fn func(context.Context) error) error {
	return InSavepoint(ctx, fn)
}

// InlineTransactor runs fn directly in ctx without opening any transaction.
type InlineTransactor struct{}

func (InlineTransactor) InTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (InlineTransactor) InSavepoint(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
