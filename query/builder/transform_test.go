package builder

import (
	"context"
	"reflect"
	"testing"
)

func rowsOf(vals ...any) *fakeExec {
	rows := make([]map[string]any, len(vals))
	for i, v := range vals {
		rows[i] = map[string]any{"n": v}
	}
	return &fakeExec{rows: rows}
}

func numOf(v any) int64 {
	return v.(map[string]any)["n"].(int64)
}

func TestPipeline_MapFilterOrder(t *testing.T) {
	exec := rowsOf(int64(1), int64(2), int64(3), int64(4))

	result, err := New(exec, "t").
		Filter(func(ctx context.Context, v any) (bool, error) {
			return numOf(v)%2 == 0, nil
		}).
		Map(func(ctx context.Context, v any) (any, error) {
			return numOf(v) * 10, nil
		}).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !reflect.DeepEqual(result, []any{int64(20), int64(40)}) {
		t.Errorf("Expected [20 40], got %v", result)
	}
}

func TestPipeline_Reduce(t *testing.T) {
	exec := rowsOf(int64(1), int64(2), int64(3))

	result, err := New(exec, "t").
		Reduce(func(ctx context.Context, acc, v any) (any, error) {
			return acc.(int64) + numOf(v), nil
		}, int64(0)).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != int64(6) {
		t.Errorf("Expected 6, got %v", result)
	}
}

func TestPipeline_SortWith(t *testing.T) {
	exec := rowsOf(int64(3), int64(1), int64(2))

	result, err := New(exec, "t").
		SortWith(func(ctx context.Context, a, b any) (int, error) {
			return int(numOf(a) - numOf(b)), nil
		}).
		Map(func(ctx context.Context, v any) (any, error) {
			return numOf(v), nil
		}).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !reflect.DeepEqual(result, []any{int64(1), int64(2), int64(3)}) {
		t.Errorf("Expected [1 2 3], got %v", result)
	}
}

func TestSwapSort_Stability(t *testing.T) {
	type pair struct {
		key int
		tag string
	}
	items := []any{
		pair{2, "a"}, pair{1, "x"}, pair{2, "b"}, pair{1, "y"}, pair{2, "c"},
	}

	err := swapSort(context.Background(), items, func(ctx context.Context, a, b any) (int, error) {
		return a.(pair).key - b.(pair).key, nil
	})
	if err != nil {
		t.Fatalf("swapSort failed: %v", err)
	}

	want := []any{
		pair{1, "x"}, pair{1, "y"}, pair{2, "a"}, pair{2, "b"}, pair{2, "c"},
	}
	if !reflect.DeepEqual(items, want) {
		t.Errorf("Equal keys must keep their relative order, got %v", items)
	}
}

func TestPipeline_RegistrationOrder(t *testing.T) {
	exec := rowsOf(int64(1))
	var order []string

	_, err := New(exec, "t").
		Map(func(ctx context.Context, v any) (any, error) {
			order = append(order, "map1")
			return v, nil
		}).
		Filter(func(ctx context.Context, v any) (bool, error) {
			order = append(order, "filter")
			return true, nil
		}).
		Map(func(ctx context.Context, v any) (any, error) {
			order = append(order, "map2")
			return v, nil
		}).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{"map1", "filter", "map2"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("Expected stage order %v, got %v", want, order)
	}
}
