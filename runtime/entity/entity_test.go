package entity

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeExec records statements and serves canned rows.
type fakeExec struct {
	mu      sync.Mutex
	queries []string
	args    [][]any
	rows    []map[string]any
	nextID  int64
}

func (f *fakeExec) Query(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return f.rows, nil
}

func (f *fakeExec) Exec(ctx context.Context, query string, args []any) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	f.nextID++
	return f.nextID, 1, nil
}

func (f *fakeExec) setRows(rows []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

func (f *fakeExec) queryCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.HasPrefix(q, prefix) {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, exec *fakeExec) *Registry {
	t.Helper()
	reg := NewRegistry(exec, Options{DebounceWindow: 2 * time.Millisecond})
	if err := reg.Register(Descriptor{Name: "user", Table: "users"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	t.Cleanup(reg.Stop)
	return reg
}

func mustGet(t *testing.T, e *Entity, col string) any {
	t.Helper()
	v, err := e.Get(context.Background(), col)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", col, err)
	}
	return v
}

func TestSet_Normalization(t *testing.T) {
	reg := newTestRegistry(t, &fakeExec{})
	e, err := reg.New("user")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	e.Set("active", true)
	if v := mustGet(t, e, "active"); v != int64(1) {
		t.Errorf("Expected true to normalize to 1, got %v", v)
	}

	e.Set("active", false)
	if v := mustGet(t, e, "active"); v != int64(0) {
		t.Errorf("Expected false to normalize to 0, got %v", v)
	}
}

func TestSet_IdempotentOnCurrentValue(t *testing.T) {
	reg := newTestRegistry(t, &fakeExec{})
	e, _ := reg.New("user")

	e.Set("name", "ann")
	e.Push()
	e.Set("name", "ann") // already the flattened value
	if e.Changed() {
		t.Error("Setting the current flattened value must not dirty the top context")
	}
}

func TestSet_NumericIdempotence(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(7), "age": int64(31)}}}
	reg := newTestRegistry(t, exec)
	q, _ := reg.Query("user")
	result, err := q.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	e := result.([]any)[0].(*Entity)

	// The driver scanned int64; setting the same value as a plain int
	// must not dirty the context.
	e.Set("age", 31)
	if e.Changed() {
		t.Error("Setting the saved value with a narrower integer type must be a no-op")
	}

	before := exec.queryCount("UPDATE")
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if exec.queryCount("UPDATE") != before {
		t.Error("A type-only difference must not issue an UPDATE")
	}
}

func TestPushPop_SpeculativeEdits(t *testing.T) {
	reg := newTestRegistry(t, &fakeExec{})
	e, _ := reg.New("user")
	e.Set("x", int64(0))

	e.Push()
	e.Set("x", int64(1))
	e.Pop(false)
	if v := mustGet(t, e, "x"); v != int64(0) {
		t.Errorf("pop(false) must discard the edit: expected 0, got %v", v)
	}

	e.Push()
	e.Set("x", int64(1))
	e.Pop(true)
	if v := mustGet(t, e, "x"); v != int64(1) {
		t.Errorf("pop(true) must carry the edit down: expected 1, got %v", v)
	}
}

func TestPop_StackNeverEmpty(t *testing.T) {
	reg := newTestRegistry(t, &fakeExec{})
	e, _ := reg.New("user")

	e.Pop(false)
	e.Pop(false)
	// A popped-to-empty stack refills; edits still have a home.
	e.Set("name", "ann")
	if v := mustGet(t, e, "name"); v != "ann" {
		t.Errorf("Expected ann, got %v", v)
	}
}

func TestFlatten_CollapsesLayers(t *testing.T) {
	reg := newTestRegistry(t, &fakeExec{})
	e, _ := reg.New("user")
	e.Set("a", int64(1))
	e.Push()
	e.Set("a", int64(2))
	e.Set("b", int64(3))

	e.Flatten()
	e.Pop(false) // layering is gone; pop discards nothing of the overlay

	if v := mustGet(t, e, "a"); v != int64(2) {
		t.Errorf("Expected top-of-stack winner 2, got %v", v)
	}
	if v := mustGet(t, e, "b"); v != int64(3) {
		t.Errorf("Expected 3, got %v", v)
	}
}

func TestSave_InsertCapturesID(t *testing.T) {
	exec := &fakeExec{}
	reg := newTestRegistry(t, exec)
	e, _ := reg.New("user")
	e.Set("name", "ann")

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	id, ok := e.ID()
	if !ok || id != 1 {
		t.Errorf("Expected generated id 1, got %v (%v)", id, ok)
	}
	if exec.queries[0] != "INSERT INTO `users` (`name`) VALUES (?)" {
		t.Errorf("Unexpected SQL %q", exec.queries[0])
	}
	if e.Changed() {
		t.Error("Save must clear the top context")
	}
	// The instance is now findable by id.
	cached, err := reg.ByID("user", 1)
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	if cached != e {
		t.Error("Saved entity should be the cached instance for its id")
	}
}

func TestSave_UpdateByID(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(7), "name": "ann"}}}
	reg := newTestRegistry(t, exec)

	q, _ := reg.Query("user")
	result, err := q.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	e := result.([]any)[0].(*Entity)

	e.Set("name", "bea")
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	last := exec.queries[len(exec.queries)-1]
	if last != "UPDATE `users` SET `name` = ? WHERE `id` = ?" {
		t.Errorf("Unexpected SQL %q", last)
	}
	if v := mustGet(t, e, "name"); v != "bea" {
		t.Errorf("Saved snapshot must refresh: expected bea, got %v", v)
	}
}

func TestSave_NoopWithoutChanges(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(7), "name": "ann"}}}
	reg := newTestRegistry(t, exec)
	q, _ := reg.Query("user")
	result, _ := q.Execute(context.Background())
	e := result.([]any)[0].(*Entity)

	before := len(exec.queries)
	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(exec.queries) != before {
		t.Error("Save with a clean context must not hit the database")
	}
}

func TestMakeChanges_CommitAndSkip(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(7), "name": "ann"}}}
	reg := newTestRegistry(t, exec)
	q, _ := reg.Query("user")
	result, _ := q.Execute(context.Background())
	e := result.([]any)[0].(*Entity)

	err := e.MakeChanges(context.Background(), func(e *Entity) error {
		e.Set("name", "bea")
		return nil
	})
	if err != nil {
		t.Fatalf("MakeChanges failed: %v", err)
	}
	if v := mustGet(t, e, "name"); v != "bea" {
		t.Errorf("Expected committed value bea, got %v", v)
	}
	if e.Changed() {
		t.Error("MakeChanges must not leave residue in the working context")
	}

	before := exec.queryCount("UPDATE")
	err = e.MakeChanges(context.Background(), func(e *Entity) error {
		e.Set("name", "cyd")
		return ErrSkipSave
	})
	if err != nil {
		t.Fatalf("MakeChanges with skip failed: %v", err)
	}
	if exec.queryCount("UPDATE") != before {
		t.Error("ErrSkipSave must suppress the commit")
	}
	if v := mustGet(t, e, "name"); v != "bea" {
		t.Errorf("Skipped edit must be discarded: expected bea, got %v", v)
	}
}

func TestDelete_NonRecoverableBlocksSave(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(7), "name": "ann"}}}
	reg := newTestRegistry(t, exec)
	q, _ := reg.Query("user")
	result, _ := q.Execute(context.Background())
	e := result.([]any)[0].(*Entity)

	if err := e.Delete(context.Background(), false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := e.ID(); ok {
		t.Error("Delete must clear the id")
	}
	if err := e.Save(context.Background()); err != ErrUnrecoverable {
		t.Errorf("Expected ErrUnrecoverable, got %v", err)
	}
}

func TestDelete_RecoverableThenSaveReinserts(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(7), "name": "ann"}}}
	reg := newTestRegistry(t, exec)
	q, _ := reg.Query("user")
	result, _ := q.Execute(context.Background())
	e := result.([]any)[0].(*Entity)

	if err := e.Delete(context.Background(), true); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := e.ID(); ok {
		t.Error("Delete must clear the id")
	}

	if err := e.Save(context.Background()); err != nil {
		t.Fatalf("Save after recoverable delete failed: %v", err)
	}
	id, ok := e.ID()
	if !ok || id == 7 {
		t.Errorf("Reinsert must assign a new id, got %v (%v)", id, ok)
	}

	last := exec.queries[len(exec.queries)-1]
	if last != "INSERT INTO `users` (`name`) VALUES (?)" {
		t.Errorf("Unexpected SQL %q", last)
	}
	lastArgs := exec.args[len(exec.args)-1]
	if len(lastArgs) != 1 || lastArgs[0] != "ann" {
		t.Errorf("Reinsert must carry the saved values, got %v", lastArgs)
	}
}

func TestDelete_NoIDIsNoop(t *testing.T) {
	exec := &fakeExec{}
	reg := newTestRegistry(t, exec)
	e, _ := reg.New("user")

	if err := e.Delete(context.Background(), true); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(exec.queries) != 0 {
		t.Errorf("Delete without id must not hit the database, got %v", exec.queries)
	}
}

func TestSet_EntityReference(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(3), "name": "org"}}}
	reg := newTestRegistry(t, exec)
	if err := reg.Register(Descriptor{Name: "org", Table: "orgs"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	org, err := reg.ByID("org", 3)
	if err != nil {
		t.Fatalf("ByID failed: %v", err)
	}
	user, _ := reg.New("user")
	user.Set("org_id", org)

	if v := mustGet(t, user, "org_id"); v != int64(3) {
		t.Errorf("Plain read must see the resolved id, got %v", v)
	}
	ref, ok := user.GetRef("org_id")
	if !ok || ref != org {
		t.Errorf("GetRef must return the assigned entity, got %v (%v)", ref, ok)
	}
}

func TestGet_SetDuringFetchWins(t *testing.T) {
	exec := &fakeExec{rows: []map[string]any{{"id": int64(5), "name": "stored"}}}
	reg := newTestRegistry(t, exec)

	e, _ := reg.ByID("user", 5)
	done := make(chan any, 1)
	go func() {
		v, _ := e.Get(context.Background(), "name")
		done <- v
	}()
	e.Set("name", "edited") // lands while the fetch is outstanding

	v := <-done
	if v != "edited" {
		t.Errorf("Dirty contexts overlay fetched data: expected edited, got %v", v)
	}
}

func TestRegistry_Defaults(t *testing.T) {
	exec := &fakeExec{}
	reg := NewRegistry(exec, Options{})
	t.Cleanup(reg.Stop)
	if err := reg.Register(Descriptor{
		Name:     "user",
		Table:    "users",
		Defaults: map[string]any{"active": true},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	e, _ := reg.New("user")
	if v := mustGet(t, e, "active"); v != int64(1) {
		t.Errorf("Defaults populate the initial context normalized, got %v", v)
	}
	if !e.Changed() {
		t.Error("Defaulted blank entity should be dirty")
	}
}

func TestRegistry_SerializerHook(t *testing.T) {
	exec := &fakeExec{}
	reg := NewRegistry(exec, Options{})
	t.Cleanup(reg.Stop)
	if err := reg.Register(Descriptor{
		Name:  "user",
		Table: "users",
		Serializer: func(data map[string]any) map[string]any {
			data["tag"] = "serialized"
			return data
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	e, _ := reg.New("user")
	e.Set("name", "ann")
	data := e.Data()
	if data["tag"] != "serialized" || data["name"] != "ann" {
		t.Errorf("Unexpected serialized data %v", data)
	}
}
