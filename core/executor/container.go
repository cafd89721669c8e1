package executor

import (
	"context"

	"github.com/sushant-115/gojostm/core/transaction"
)

// Container is the ambient transaction slot of one call chain, together with
// the pool that chain recycles transactions through.
//
// A Container is not safe for concurrent use. Goroutines started from inside
// an atomic call must not share its context; give them a new container.
type Container struct {
	txn  *transaction.Transaction
	pool transaction.Pool
}

// NewContainer returns an empty container recycling through pool. A nil pool
// gets a FreeList.
func NewContainer(pool transaction.Pool) *Container {
	if pool == nil {
		pool = transaction.NewFreeList()
	}
	return &Container{pool: pool}
}

// Txn returns the active transaction, or nil.
func (c *Container) Txn() *transaction.Transaction { return c.txn }

// Pool returns the pool transactions of this call chain come from.
func (c *Container) Pool() transaction.Pool { return c.pool }

type containerKey struct{}

// WithContainer returns a context carrying c.
func WithContainer(ctx context.Context, c *Container) context.Context {
	return context.WithValue(ctx, containerKey{}, c)
}

// ContainerFromContext returns the container carried by ctx, or nil.
func ContainerFromContext(ctx context.Context) *Container {
	c, _ := ctx.Value(containerKey{}).(*Container)
	return c
}

// TxnFromContext returns the transaction active in ctx, or nil.
func TxnFromContext(ctx context.Context) *transaction.Transaction {
	if c := ContainerFromContext(ctx); c != nil {
		return c.txn
	}
	return nil
}
