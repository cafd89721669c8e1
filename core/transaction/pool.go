package transaction

import "sync"

// Pool recycles transactions between logical calls.
type Pool interface {
	// Put hands back a transaction the caller no longer uses. Anything it
	// still holds is released.
	Put(tx *Transaction)
	// Take returns a recycled transaction of kind, or nil.
	Take(kind Kind) *Transaction
}

const defaultFreeListSize = 8

// FreeList is a small per-goroutine pool. It is not safe for concurrent use.
type FreeList struct {
	free [kindCount][]*Transaction
	size int
}

func NewFreeList() *FreeList {
	return &FreeList{size: defaultFreeListSize}
}

func (l *FreeList) Put(tx *Transaction) {
	if tx == nil {
		return
	}
	tx.recycle()
	if len(l.free[tx.kind]) >= l.size {
		return
	}
	l.free[tx.kind] = append(l.free[tx.kind], tx)
}

func (l *FreeList) Take(kind Kind) *Transaction {
	n := len(l.free[kind])
	if n == 0 {
		return nil
	}
	tx := l.free[kind][n-1]
	l.free[kind][n-1] = nil
	l.free[kind] = l.free[kind][:n-1]
	return tx
}

// SharedPool is a pool that can be used from any goroutine.
type SharedPool struct {
	pools [kindCount]sync.Pool
}

func NewSharedPool() *SharedPool {
	return &SharedPool{}
}

func (p *SharedPool) Put(tx *Transaction) {
	if tx == nil {
		return
	}
	tx.recycle()
	p.pools[tx.kind].Put(tx)
}

func (p *SharedPool) Take(kind Kind) *Transaction {
	tx, _ := p.pools[kind].Get().(*Transaction)
	return tx
}
