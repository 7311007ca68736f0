package entity

import (
	"context"
	"sync"
	"time"

	"github.com/modelq/modelq/query/executor"
	"github.com/modelq/modelq/query/filter"
	"github.com/modelq/modelq/query/sqlgen"
)

type fetchResult struct {
	row map[string]any // nil when the id matched no row
	err error
}

type fetchWaiter struct {
	id int64
	ch chan fetchResult
}

// pendingBatch collects the ids requested for one table during a
// debounce window. It lives from the first request until its timer
// fires.
type pendingBatch struct {
	ids     []int64
	seen    map[int64]struct{}
	waiters []fetchWaiter
	timer   *time.Timer
}

// fetcher coalesces concurrent per-id row fetches into one windowed
// batch query per table. The first request of a window arms a one-shot
// timer; joiners ride the same batch.
type fetcher struct {
	mu      sync.Mutex
	exec    executor.Executor
	window  time.Duration
	batches map[string]*pendingBatch
	stopped bool
}

func newFetcher(exec executor.Executor, window time.Duration) *fetcher {
	return &fetcher{
		exec:    exec,
		window:  window,
		batches: make(map[string]*pendingBatch),
	}
}

// enqueue registers one id for the table's current window and returns
// the channel its result will arrive on. The channel is buffered; the
// flush never blocks on slow receivers.
func (f *fetcher) enqueue(table string, id int64) <-chan fetchResult {
	ch := make(chan fetchResult, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		ch <- fetchResult{err: ErrStopped}
		return ch
	}

	b, ok := f.batches[table]
	if !ok {
		b = &pendingBatch{seen: make(map[int64]struct{})}
		f.batches[table] = b
		b.timer = time.AfterFunc(f.window, func() { f.flush(table) })
	}
	if _, dup := b.seen[id]; !dup {
		b.seen[id] = struct{}{}
		b.ids = append(b.ids, id)
	}
	b.waiters = append(b.waiters, fetchWaiter{id: id, ch: ch})
	return ch
}

// flush runs the batched query for one table and releases every
// waiter. Started fetches run to completion; cancellation is not
// supported mid-flight.
func (f *fetcher) flush(table string) {
	f.mu.Lock()
	b, ok := f.batches[table]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.batches, table)
	f.mu.Unlock()

	compiled, err := sqlgen.Select(sqlgen.SelectOptions{
		Table: table,
		Where: []filter.Node{idsPredicate(b.ids)},
	})
	if err != nil {
		deliver(b.waiters, nil, err)
		return
	}

	rows, err := f.exec.Query(context.Background(), compiled.SQL, compiled.Args)
	if err != nil {
		deliver(b.waiters, nil, err)
		return
	}

	byID := make(map[int64]map[string]any, len(rows))
	for _, row := range rows {
		if id, idErr := asID(row["id"]); idErr == nil {
			byID[id] = row
		}
	}
	deliver(b.waiters, byID, nil)
}

func deliver(waiters []fetchWaiter, byID map[int64]map[string]any, err error) {
	for _, w := range waiters {
		w.ch <- fetchResult{row: byID[w.id], err: err}
	}
}

// idsPredicate builds the OR-chained id equality group for a batch.
func idsPredicate(ids []int64) filter.Node {
	children := make([]filter.Node, len(ids))
	for i, id := range ids {
		children[i] = filter.Comparison{Column: "id", Op: filter.Eq, Operand: id}
	}
	return filter.Group{Op: filter.Or, Children: children}
}

// stop cancels pending windows and fails their waiters.
func (f *fetcher) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for table, b := range f.batches {
		b.timer.Stop()
		for _, w := range b.waiters {
			w.ch <- fetchResult{err: ErrStopped}
		}
		delete(f.batches, table)
	}
}
