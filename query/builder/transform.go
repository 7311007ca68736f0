package builder

import (
	"context"
	"fmt"
)

// Transform stage callbacks. Each may perform its own I/O; stages run
// sequentially, one element at a time, in registration order.
type (
	MapFunc     func(ctx context.Context, v any) (any, error)
	FilterFunc  func(ctx context.Context, v any) (bool, error)
	ReduceFunc  func(ctx context.Context, acc, v any) (any, error)
	CompareFunc func(ctx context.Context, a, b any) (int, error)
)

type stageKind int

const (
	stageMap stageKind = iota
	stageFilter
	stageReduce
	stageSort
)

type stage struct {
	kind    stageKind
	mapFn   MapFunc
	filter  FilterFunc
	reduce  ReduceFunc
	compare CompareFunc
	initial any
}

// Map registers a per-element transform stage.
func (q *Query) Map(fn MapFunc) *Query {
	if q.consumeSkip() {
		return q
	}
	q.pipeline = append(q.pipeline, stage{kind: stageMap, mapFn: fn})
	return q
}

// Filter registers a keep-if-true stage.
func (q *Query) Filter(fn FilterFunc) *Query {
	if q.consumeSkip() {
		return q
	}
	q.pipeline = append(q.pipeline, stage{kind: stageFilter, filter: fn})
	return q
}

// Reduce registers a fold stage; the pipeline result becomes the
// accumulated value.
func (q *Query) Reduce(fn ReduceFunc, initial any) *Query {
	if q.consumeSkip() {
		return q
	}
	q.pipeline = append(q.pipeline, stage{kind: stageReduce, reduce: fn, initial: initial})
	return q
}

// SortWith registers a comparator sort stage. A positive comparator
// result swaps the pair; the sort is stable for equal elements.
func (q *Query) SortWith(fn CompareFunc) *Query {
	if q.consumeSkip() {
		return q
	}
	q.pipeline = append(q.pipeline, stage{kind: stageSort, compare: fn})
	return q
}

func (q *Query) applyPipeline(ctx context.Context, items []any) (any, error) {
	var cur any = items
	for i, s := range q.pipeline {
		next, err := s.apply(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("transform stage %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}

func (s stage) apply(ctx context.Context, cur any) (any, error) {
	if s.kind == stageReduce {
		slice, ok := cur.([]any)
		if !ok {
			return nil, fmt.Errorf("reduce requires a row slice, have %T", cur)
		}
		acc := s.initial
		for _, v := range slice {
			var err error
			acc, err = s.reduce(ctx, acc, v)
			if err != nil {
				return nil, err
			}
		}
		return acc, nil
	}

	slice, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("transform after reduce requires a row slice, have %T", cur)
	}

	switch s.kind {
	case stageMap:
		out := make([]any, len(slice))
		for i, v := range slice {
			mapped, err := s.mapFn(ctx, v)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil

	case stageFilter:
		out := make([]any, 0, len(slice))
		for _, v := range slice {
			keep, err := s.filter(ctx, v)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, v)
			}
		}
		return out, nil

	case stageSort:
		out := make([]any, len(slice))
		copy(out, slice)
		if err := swapSort(ctx, out, s.compare); err != nil {
			return nil, err
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown transform stage kind %d", s.kind)
	}
}

// swapSort runs repeated adjacent-swap passes until a pass makes no
// swaps. Quadratic in the worst case, but stable and safe with a
// comparator that suspends on I/O.
func swapSort(ctx context.Context, items []any, compare CompareFunc) error {
	for {
		swapped := false
		for i := 0; i+1 < len(items); i++ {
			c, err := compare(ctx, items[i], items[i+1])
			if err != nil {
				return err
			}
			if c > 0 {
				items[i], items[i+1] = items[i+1], items[i]
				swapped = true
			}
		}
		if !swapped {
			return nil
		}
	}
}
