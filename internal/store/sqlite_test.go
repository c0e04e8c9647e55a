package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// testNote builds a deterministic note: the id is derived from seed so
// tests can refer to notes by their seed.
func testNote(tag note.Tag, seed byte) *note.StoredNote {
	var id note.ID
	for i := range id {
		id[i] = seed
	}
	return &note.StoredNote{
		ID:      id,
		Tag:     tag,
		Header:  note.EncodeHeader(id, tag, nil),
		Details: []byte{seed, seed, seed},
	}
}

func mustInsert(t *testing.T, st Store, n *note.StoredNote) {
	t.Helper()
	if err := st.Insert(context.Background(), n); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestInsertStampsCreatedAt(t *testing.T) {
	st := openTestStore(t)

	n := testNote(7, 1)
	before := time.Now().UTC().Add(-time.Second)
	mustInsert(t, st, n)

	if n.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
	if n.CreatedAt.Before(before) {
		t.Errorf("CreatedAt %v is before insert time", n.CreatedAt)
	}
	if !n.CreatedAt.Equal(n.CreatedAt.Truncate(time.Microsecond)) {
		t.Errorf("CreatedAt %v not truncated to microseconds", n.CreatedAt)
	}
}

func TestInsertHonorsExplicitCreatedAt(t *testing.T) {
	st := openTestStore(t)

	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNote(7, 1)
	n.CreatedAt = want
	mustInsert(t, st, n)

	got, err := st.Query(context.Background(), []note.Tag{7}, 0, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || !got[0].CreatedAt.Equal(want) {
		t.Fatalf("got %v, want created_at %v", got, want)
	}
}

func TestInsertDuplicate(t *testing.T) {
	st := openTestStore(t)

	mustInsert(t, st, testNote(7, 1))

	err := st.Insert(context.Background(), testNote(7, 1))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert: got %v, want ErrDuplicate", err)
	}

	var se *Error
	if !errors.As(err, &se) || se.Kind != KindConstraint {
		t.Errorf("duplicate error kind = %v, want constraint", err)
	}

	// The original row is untouched.
	got, err := st.Query(context.Background(), []note.Tag{7}, 0, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d notes, want 1", len(got))
	}
}

func TestInsertTooLarge(t *testing.T) {
	st, err := OpenSQLite(context.Background(), Config{URL: ":memory:", MaxNoteSize: 4})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	n := testNote(1, 1)
	n.Details = []byte("12345")
	if err := st.Insert(context.Background(), n); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}

	n2 := testNote(1, 2)
	n2.Details = []byte("1234")
	mustInsert(t, st, n2)
}

func TestQueryOrderAndCursor(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := byte(1); i <= 5; i++ {
		n := testNote(9, i)
		n.CreatedAt = base.Add(time.Duration(i) * time.Second)
		mustInsert(t, st, n)
	}

	all, err := st.Query(ctx, []note.Tag{9}, 0, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d notes, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatalf("notes out of order at %d", i)
		}
	}

	// A cursor equal to a note's created_at excludes that note.
	cur := all[2].Cursor()
	after, err := st.Query(ctx, []note.Tag{9}, cur, -1)
	if err != nil {
		t.Fatalf("Query after cursor: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("got %d notes after cursor, want 2", len(after))
	}
	for _, n := range after {
		if n.Cursor() <= cur {
			t.Errorf("note at cursor %d not strictly past %d", n.Cursor(), cur)
		}
	}
}

func TestQueryPagination(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := byte(1); i <= 6; i++ {
		n := testNote(4, i)
		n.CreatedAt = base.Add(time.Duration(i) * time.Second)
		mustInsert(t, st, n)
	}

	var (
		cursor uint64
		seen   []note.ID
	)
	for {
		page, err := st.Query(ctx, []note.Tag{4}, cursor, 2)
		if err != nil {
			t.Fatalf("Query page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > 2 {
			t.Fatalf("page has %d notes, limit 2", len(page))
		}
		for _, n := range page {
			seen = append(seen, n.ID)
		}
		cursor = note.MaxCursor(page)
	}

	if len(seen) != 6 {
		t.Fatalf("paged through %d notes, want 6", len(seen))
	}
	for i, id := range seen {
		if id != testNote(4, byte(i+1)).ID {
			t.Fatalf("page order wrong at %d", i)
		}
	}
}

func TestQueryMultiTagMerge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	// Interleave two tags in time.
	for i, tag := range []note.Tag{1, 2, 1, 2, 3} {
		n := testNote(tag, byte(i+1))
		n.CreatedAt = base.Add(time.Duration(i) * time.Second)
		mustInsert(t, st, n)
	}

	got, err := st.Query(ctx, []note.Tag{1, 2}, 0, -1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d notes, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("merged result out of global order at %d", i)
		}
	}
	for _, n := range got {
		if n.Tag == 3 {
			t.Fatal("tag 3 leaked into a query for tags 1 and 2")
		}
	}
}

func TestQueryMultiTagMergeLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	// Interleave two tags; the limit must cut the merged order, not the
	// per-tag streams.
	for i, tag := range []note.Tag{1, 2, 2, 1, 2} {
		n := testNote(tag, byte(i+1))
		n.CreatedAt = base.Add(time.Duration(i) * time.Second)
		mustInsert(t, st, n)
	}

	got, err := st.Query(ctx, []note.Tag{1, 2}, 0, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d notes, want 3", len(got))
	}
	for i, n := range got {
		if n.ID != testNote(0, byte(i+1)).ID {
			t.Fatalf("position %d holds seed %x, want the %d oldest overall", i, n.ID[0], i+1)
		}
	}
}

func TestQueryEdgeCases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, st, testNote(1, 1))

	if got, err := st.Query(ctx, nil, 0, -1); err != nil || len(got) != 0 {
		t.Errorf("empty tags: got %v, %v; want empty, nil", got, err)
	}
	if got, err := st.Query(ctx, []note.Tag{1}, 0, 0); err != nil || len(got) != 0 {
		t.Errorf("limit 0: got %v, %v; want empty, nil", got, err)
	}
	if got, err := st.Query(ctx, []note.Tag{42}, 0, -1); err != nil || len(got) != 0 {
		t.Errorf("unknown tag: got %v, %v; want empty, nil", got, err)
	}
}

func TestExists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	n := testNote(1, 1)
	mustInsert(t, st, n)

	if ok, err := st.Exists(ctx, n.ID); err != nil || !ok {
		t.Errorf("Exists(stored) = %v, %v; want true", ok, err)
	}
	if ok, err := st.Exists(ctx, testNote(1, 2).ID); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v; want false", ok, err)
	}
}

func TestStats(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if s, err := st.Stats(ctx); err != nil || s.TotalNotes != 0 || s.DistinctTags != 0 {
		t.Fatalf("empty stats = %+v, %v", s, err)
	}

	mustInsert(t, st, testNote(1, 1))
	mustInsert(t, st, testNote(1, 2))
	mustInsert(t, st, testNote(2, 3))

	s, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalNotes != 3 || s.DistinctTags != 2 {
		t.Errorf("stats = %+v, want 3 notes over 2 tags", s)
	}
}

func TestRetentionSweep(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := testNote(1, 1)
	old.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	mustInsert(t, st, old)

	fresh := testNote(1, 2)
	mustInsert(t, st, fresh)

	deleted, err := st.RetentionSweep(ctx, 30)
	if err != nil {
		t.Fatalf("RetentionSweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d, want 1", deleted)
	}

	if ok, _ := st.Exists(ctx, old.ID); ok {
		t.Error("expired note survived the sweep")
	}
	if ok, _ := st.Exists(ctx, fresh.ID); !ok {
		t.Error("fresh note was deleted")
	}
}

func TestRetentionSweepZeroDays(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	n := testNote(1, 1)
	n.CreatedAt = time.Now().UTC().Add(-time.Minute)
	mustInsert(t, st, n)

	deleted, err := st.RetentionSweep(ctx, 0)
	if err != nil {
		t.Fatalf("RetentionSweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d, want 1 (zero retention purges everything old)", deleted)
	}
}

// operationCount sums noterelay_requests_total for one operation label.
func operationCount(t *testing.T, reg *prometheus.Registry, operation string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "noterelay_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "operation" && l.GetValue() == operation {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestStoreOperationsAreInstrumented(t *testing.T) {
	reg := prometheus.NewRegistry()
	st, err := OpenSQLite(context.Background(), Config{
		URL:     ":memory:",
		Metrics: metrics.New(reg),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	mustInsert(t, st, testNote(1, 1))
	if _, err := st.Query(context.Background(), []note.Tag{1}, 0, -1); err != nil {
		t.Fatalf("Query: %v", err)
	}

	if got := operationCount(t, reg, metrics.OpStoreInsert); got != 1 {
		t.Errorf("%s count = %v, want 1", metrics.OpStoreInsert, got)
	}
	if got := operationCount(t, reg, metrics.OpStoreQuery); got != 1 {
		t.Errorf("%s count = %v, want 1", metrics.OpStoreQuery, got)
	}

	// Failures count too.
	if err := st.Insert(context.Background(), testNote(1, 1)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate insert: %v", err)
	}
	if got := operationCount(t, reg, metrics.OpStoreInsert); got != 2 {
		t.Errorf("%s count after duplicate = %v, want 2", metrics.OpStoreInsert, got)
	}
}

func TestClosedStoreIsConnectionError(t *testing.T) {
	st := openTestStore(t)
	st.Close()

	_, err := st.Query(context.Background(), []note.Tag{1}, 0, -1)
	if err == nil {
		t.Fatal("query on a closed store succeeded")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindConnection {
		t.Fatalf("closed store error = %v, want kind connection", err)
	}
}

func TestOpenDispatch(t *testing.T) {
	st, err := Open(context.Background(), Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if _, ok := st.(*SQLiteStore); !ok {
		t.Fatalf("Open(:memory:) = %T, want *SQLiteStore", st)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
