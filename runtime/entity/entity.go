package entity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/modelq/modelq/query/filter"
	"github.com/modelq/modelq/query/sqlgen"
)

// editContext is one layer of uncommitted edits.
type editContext struct {
	changed bool
	data    map[string]any
	refs    map[string]*Entity
	nulled  bool // set by non-recoverable delete; blocks Save
}

func newEditContext() *editContext {
	return &editContext{
		data: make(map[string]any),
		refs: make(map[string]*Entity),
	}
}

// Entity is one row-backed instance. Field reads see the flattened
// overlay of the saved snapshot and every edit context, top of stack
// winning. The edit stack is never empty.
type Entity struct {
	mu    sync.Mutex
	reg   *Registry
	desc  *Descriptor
	id    int64
	hasID bool
	saved map[string]any
	// loaded reports that the full row was fetched (or found absent).
	// A snapshot seeded from a column-restricted query leaves it
	// false, so reads of unselected columns still go to the fetcher.
	loaded bool
	stack  []*editContext

	// pending is the instance-local single-flight record: concurrent
	// Gets on unloaded fields share one outstanding fetch.
	pending *pendingFetch
}

type pendingFetch struct {
	done chan struct{}
	err  error
}

func newEntity(reg *Registry, desc *Descriptor) *Entity {
	return &Entity{
		reg:   reg,
		desc:  desc,
		stack: []*editContext{newEditContext()},
	}
}

// Class reports the entity's class name.
func (e *Entity) Class() string { return e.desc.Name }

// ID reports the assigned identifier, if any.
func (e *Entity) ID() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id, e.hasID
}

// ReferenceID implements filter.Reference so entities can be used as
// query operands and Set values.
func (e *Entity) ReferenceID() (int64, bool) { return e.ID() }

var _ filter.Reference = (*Entity)(nil)

func (e *Entity) top() *editContext {
	return e.stack[len(e.stack)-1]
}

// normalize maps stored values to their column form: booleans become
// 1/0 like the compiled SQL literals, and integer and float widths
// collapse to the int64/float64 the drivers scan, so a round-tripped
// value compares equal to the one that was set.
func normalize(v any) any {
	switch value := v.(type) {
	case bool:
		if value {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(value)
	case int8:
		return int64(value)
	case int16:
		return int64(value)
	case int32:
		return int64(value)
	case uint:
		return int64(value)
	case uint8:
		return int64(value)
	case uint16:
		return int64(value)
	case uint32:
		return int64(value)
	case uint64:
		return int64(value)
	case float32:
		return float64(value)
	default:
		return v
	}
}

// Set records an uncommitted field edit in the top context. Entity
// values keep both the resolved id (for plain reads) and the reference
// itself (for GetRef). Setting the current flattened value is a no-op.
func (e *Entity) Set(column string, v any) {
	// Resolve reference ids before taking the lock; the referenced
	// entity may be this one.
	var ref *Entity
	value := normalize(v)
	if other, ok := v.(*Entity); ok {
		ref = other
		if id, hasID := other.ReferenceID(); hasID {
			value = id
		} else {
			value = nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.lookupLocked(column); ok && reflect.DeepEqual(cur, value) && ref == nil {
		return
	}

	top := e.top()
	top.data[column] = value
	if ref != nil {
		top.refs[column] = ref
	}
	top.changed = true
}

// lookupLocked reads the flattened view without triggering a fetch.
func (e *Entity) lookupLocked(column string) (any, bool) {
	for i := len(e.stack) - 1; i >= 0; i-- {
		layer := e.stack[i]
		if layer.nulled {
			return nil, true
		}
		if v, ok := layer.data[column]; ok {
			return v, true
		}
	}
	if e.saved != nil {
		if v, ok := e.saved[column]; ok {
			return v, true
		}
	}
	return nil, false
}

// Get resolves a field from the flattened view, fetching the row
// through the bulk coalescer when the field is unknown locally.
// A Set completing while the fetch is outstanding wins the read, since
// edit contexts overlay the saved snapshot.
func (e *Entity) Get(ctx context.Context, column string) (any, error) {
	e.mu.Lock()
	if v, ok := e.lookupLocked(column); ok {
		e.mu.Unlock()
		return v, nil
	}
	if e.loaded || !e.hasID {
		// Full row already fetched, or nothing to fetch.
		e.mu.Unlock()
		return nil, nil
	}

	pending := e.pending
	if pending == nil {
		pending = &pendingFetch{done: make(chan struct{})}
		e.pending = pending
		results := e.reg.fetcher.enqueue(e.desc.Table, e.id)
		go func() {
			res := <-results
			e.mu.Lock()
			if res.err == nil {
				if res.row != nil {
					e.mergeSavedLocked(res.row)
				} else {
					e.saved = map[string]any{}
				}
				e.loaded = true
			}
			pending.err = res.err
			e.pending = nil
			e.mu.Unlock()
			close(pending.done)
		}()
	}
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pending.done:
	}
	if pending.err != nil {
		return nil, pending.err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	v, _ := e.lookupLocked(column)
	return v, nil
}

// GetRef reads a foreign entity previously assigned with Set.
func (e *Entity) GetRef(column string) (*Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.stack) - 1; i >= 0; i-- {
		if ref, ok := e.stack[i].refs[column]; ok {
			return ref, true
		}
	}
	return nil, false
}

func (e *Entity) mergeSavedLocked(row map[string]any) {
	if e.saved == nil {
		e.saved = make(map[string]any, len(row))
	}
	for k, v := range row {
		e.saved[k] = v
	}
}

// Push begins a speculative edit scope.
func (e *Entity) Push() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stack = append(e.stack, newEditContext())
}

// Pop removes the top edit scope, folding its edits into the scope
// below when merge is true and discarding them otherwise. The stack is
// refilled immediately if the pop emptied it.
func (e *Entity) Pop(merge bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	top := e.top()
	e.stack = e.stack[:len(e.stack)-1]
	if len(e.stack) == 0 {
		e.stack = append(e.stack, newEditContext())
	}
	if !merge {
		return
	}

	dst := e.top()
	for k, v := range top.data {
		dst.data[k] = v
	}
	for k, ref := range top.refs {
		dst.refs[k] = ref
	}
	dst.changed = dst.changed || top.changed
	dst.nulled = dst.nulled || top.nulled
}

// Flatten collapses the stack into one context holding the overlay of
// every layer, discarding layering information.
func (e *Entity) Flatten() {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := newEditContext()
	for _, layer := range e.stack {
		for k, v := range layer.data {
			merged.data[k] = v
		}
		for k, ref := range layer.refs {
			merged.refs[k] = ref
		}
		merged.changed = merged.changed || layer.changed
		merged.nulled = merged.nulled || layer.nulled
	}
	e.stack = []*editContext{merged}
}

// MakeChanges runs fn inside its own edit scope and commits the result:
// push, fn, Save unless fn returned ErrSkipSave, pop without merge.
// The working context never keeps residue from fn, whatever happens.
func (e *Entity) MakeChanges(ctx context.Context, fn func(*Entity) error) error {
	e.Push()
	err := fn(e)
	switch {
	case err == nil:
		err = e.Save(ctx)
	case errors.Is(err, ErrSkipSave):
		err = nil
	}
	e.Pop(false)
	return err
}

// Save commits the top context: an insert capturing the generated id
// when the entity has none, an update by id when the context is
// changed. Committed fields clear from the context and refresh the
// saved snapshot.
func (e *Entity) Save(ctx context.Context) error {
	e.mu.Lock()
	top := e.top()
	if top.nulled {
		e.mu.Unlock()
		return ErrUnrecoverable
	}

	if !e.hasID {
		values := make(map[string]any)
		for _, layer := range e.stack {
			for k, v := range layer.data {
				values[k] = v
			}
		}
		table := e.desc.Table
		e.mu.Unlock()

		compiled, err := sqlgen.Insert(table, values)
		if err != nil {
			return err
		}
		lastID, _, err := e.reg.exec.Exec(ctx, compiled.SQL, compiled.Args)
		if err != nil {
			return err
		}

		e.mu.Lock()
		e.id = lastID
		e.hasID = true
		e.mergeSavedLocked(values)
		e.saved["id"] = lastID
		e.clearTopLocked()
		e.mu.Unlock()

		e.reg.cache.adopt(e.desc.Name, lastID, e)
		return nil
	}

	if !top.changed || len(top.data) == 0 {
		e.mu.Unlock()
		return nil
	}

	set := make(map[string]any, len(top.data))
	for k, v := range top.data {
		set[k] = v
	}
	id := e.id
	table := e.desc.Table
	e.mu.Unlock()

	compiled, err := sqlgen.Update(table, set, idPredicate(id))
	if err != nil {
		return err
	}
	if _, _, err := e.reg.exec.Exec(ctx, compiled.SQL, compiled.Args); err != nil {
		return err
	}

	e.mu.Lock()
	e.mergeSavedLocked(set)
	e.clearTopLocked()
	e.mu.Unlock()
	return nil
}

func (e *Entity) clearTopLocked() {
	top := e.top()
	top.data = make(map[string]any)
	top.refs = make(map[string]*Entity)
	top.changed = false
}

// Delete removes the row. Recoverable deletes demote the saved
// snapshot into a fresh dirty context so a later Save reinserts the
// data under a new id; non-recoverable deletes null the entity,
// blocking any future Save. The id clears only after the statement
// executes.
func (e *Entity) Delete(ctx context.Context, recoverable bool) error {
	e.mu.Lock()
	if !e.hasID {
		e.mu.Unlock()
		return nil
	}
	id := e.id
	table := e.desc.Table

	if recoverable {
		if !e.loaded {
			e.mu.Unlock()
			if err := e.loadSaved(ctx, table, id); err != nil {
				return err
			}
			e.mu.Lock()
		}
		revived := newEditContext()
		for k, v := range e.saved {
			if k == "id" {
				continue
			}
			revived.data[k] = v
		}
		revived.changed = len(revived.data) > 0
		e.stack = []*editContext{revived}
		e.saved = nil
		e.loaded = false
	} else {
		nulled := newEditContext()
		nulled.nulled = true
		e.stack = []*editContext{nulled}
	}
	e.mu.Unlock()

	compiled, err := sqlgen.Delete(table, idPredicate(id))
	if err != nil {
		return err
	}
	if _, _, err := e.reg.exec.Exec(ctx, compiled.SQL, compiled.Args); err != nil {
		return err
	}

	e.mu.Lock()
	e.id = 0
	e.hasID = false
	e.mu.Unlock()
	return nil
}

func (e *Entity) loadSaved(ctx context.Context, table string, id int64) error {
	compiled, err := sqlgen.Select(sqlgen.SelectOptions{
		Table: table,
		Where: idPredicate(id),
	})
	if err != nil {
		return err
	}
	rows, err := e.reg.exec.Query(ctx, compiled.SQL, compiled.Args)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(rows) > 0 {
		e.mergeSavedLocked(rows[0])
	} else {
		e.saved = map[string]any{}
	}
	e.loaded = true
	return nil
}

func idPredicate(id int64) []filter.Node {
	return []filter.Node{
		filter.Comparison{Column: "id", Op: filter.Eq, Operand: id},
	}
}

// Data returns the flattened snapshot, through the class serializer
// when one is registered.
func (e *Entity) Data() map[string]any {
	e.mu.Lock()
	out := make(map[string]any)
	for k, v := range e.saved {
		out[k] = v
	}
	for _, layer := range e.stack {
		if layer.nulled {
			out = make(map[string]any)
			continue
		}
		for k, v := range layer.data {
			out[k] = v
		}
	}
	if e.hasID {
		out["id"] = e.id
	}
	serializer := e.desc.Serializer
	e.mu.Unlock()

	if serializer != nil {
		return serializer(out)
	}
	return out
}

// Changed reports whether the top context holds uncommitted edits.
func (e *Entity) Changed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.top().changed
}

func (e *Entity) String() string {
	id, ok := e.ID()
	if !ok {
		return fmt.Sprintf("%s(unsaved)", e.desc.Name)
	}
	return fmt.Sprintf("%s(%d)", e.desc.Name, id)
}
