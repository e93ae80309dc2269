package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"buddyfeed/internal/core"
	"buddyfeed/internal/spotify/spotifytest"
	"buddyfeed/internal/store"
)

func newTestDirectory(t *testing.T, svc *spotifytest.Service, st store.Store) *Directory {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	d, err := New(svc, st, 16, zap.NewNop(), core.NopRecorder{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestResolveOrCreate_CreatesOnce(t *testing.T) {
	svc := spotifytest.New("op")
	d := newTestDirectory(t, svc, nil)
	ctx := context.Background()

	id, err := d.ResolveOrCreate(ctx, "Feed_Alice")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if svc.Name(id) != "Feed_Alice" {
		t.Errorf("Expected created playlist named Feed_Alice, got %q", svc.Name(id))
	}

	again, err := d.ResolveOrCreate(ctx, "Feed_Alice")
	if err != nil {
		t.Fatalf("Second ResolveOrCreate failed: %v", err)
	}
	if again != id {
		t.Errorf("Expected cached id %s, got %s", id, again)
	}
	if svc.Calls("CreatePlaylist") != 1 {
		t.Errorf("Expected one creation, got %d", svc.Calls("CreatePlaylist"))
	}
	if d.Len(ctx) != 1 {
		t.Errorf("Expected one directory entry, got %d", d.Len(ctx))
	}
}

func TestResolveOrCreate_AdoptsOwnedPlaylistAcrossPages(t *testing.T) {
	svc := spotifytest.New("op")
	for i := 0; i < 120; i++ {
		svc.Seed(fmt.Sprintf("Other_%d", i), "op")
	}
	svc.Seed("Feed_Bob", "someone-else")
	want := svc.Seed("Feed_Bob", "op")

	d := newTestDirectory(t, svc, nil)
	id, err := d.ResolveOrCreate(context.Background(), "Feed_Bob")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}

	if id != want {
		t.Errorf("Expected to adopt %s, got %s", want, id)
	}
	if svc.Calls("CreatePlaylist") != 0 {
		t.Error("Expected no creation when an owned playlist exists")
	}
	if svc.Calls("OwnPlaylists") != 3 {
		t.Errorf("Expected three listing pages, got %d", svc.Calls("OwnPlaylists"))
	}
}

func TestResolveOrCreate_IgnoresPlaylistsOwnedByOthers(t *testing.T) {
	svc := spotifytest.New("op")
	foreign := svc.Seed("Feed_Carol", "carol")

	d := newTestDirectory(t, svc, nil)
	id, err := d.ResolveOrCreate(context.Background(), "Feed_Carol")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if id == foreign {
		t.Error("Must not adopt a followed playlist the operator does not own")
	}
	if svc.Calls("CreatePlaylist") != 1 {
		t.Errorf("Expected a creation, got %d", svc.Calls("CreatePlaylist"))
	}
}

func TestResolveOrCreate_ConcurrentCallersCreateOnce(t *testing.T) {
	svc := spotifytest.New("op")
	svc.SetCreateDelay(20 * time.Millisecond)
	d := newTestDirectory(t, svc, nil)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := d.ResolveOrCreate(context.Background(), "Feed_Dave")
			if err != nil {
				t.Errorf("ResolveOrCreate failed: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if svc.Calls("CreatePlaylist") != 1 {
		t.Errorf("Expected exactly one creation, got %d", svc.Calls("CreatePlaylist"))
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("Expected all callers to get %s, got %v", ids[0], ids)
		}
	}
	if n := len(svc.Named("Feed_Dave")); n != 1 {
		t.Errorf("Expected one remote playlist named Feed_Dave, got %d", n)
	}
}

func TestReplace_RepointsName(t *testing.T) {
	svc := spotifytest.New("op")
	d := newTestDirectory(t, svc, nil)
	ctx := context.Background()

	old, err := d.ResolveOrCreate(ctx, "Feed_Eve")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	svc.ResetCalls()

	fresh, err := d.Replace(ctx, "Feed_Eve")
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if fresh == old {
		t.Fatal("Replace must create a new playlist")
	}
	if svc.Calls("OwnPlaylists") != 0 {
		t.Error("Replace must not list playlists")
	}

	id, ok := d.Lookup(ctx, "Feed_Eve")
	if !ok || id != fresh {
		t.Errorf("Expected Feed_Eve to resolve to %s, got %s (ok=%v)", fresh, id, ok)
	}
}

func TestResolveOrCreate_UsesDurableStore(t *testing.T) {
	svc := spotifytest.New("op")
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer st.Close()

	if err := st.Put(context.Background(), "Feed_Frank", "pl-persisted"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	d := newTestDirectory(t, svc, st)
	id, err := d.ResolveOrCreate(context.Background(), "Feed_Frank")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if id != "pl-persisted" {
		t.Errorf("Expected stored id, got %s", id)
	}
	if svc.TotalCalls() != 0 {
		t.Errorf("Expected no remote calls on a store hit, got %d", svc.TotalCalls())
	}
}

func TestLookup_Unknown(t *testing.T) {
	d := newTestDirectory(t, spotifytest.New("op"), nil)
	if _, ok := d.Lookup(context.Background(), "Feed_Nobody"); ok {
		t.Error("Expected unknown name to miss")
	}
}

type knownRecorder struct {
	core.NopRecorder
	mu    sync.Mutex
	known []int
}

func (r *knownRecorder) SetPlaylistsKnown(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = append(r.known, count)
}

func TestPlaylistsKnownGauge(t *testing.T) {
	svc := spotifytest.New("op")
	svc.Seed("Feed_Bob", "op")
	metrics := &knownRecorder{}
	d, err := New(svc, store.NewMemoryStore(), 16, zap.NewNop(), metrics)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	for _, name := range []string{"Feed_Alice", "Feed_Bob", "Feed_Alice"} {
		if _, err := d.ResolveOrCreate(ctx, name); err != nil {
			t.Fatalf("ResolveOrCreate(%s) failed: %v", name, err)
		}
	}
	if _, err := d.Replace(ctx, "Feed_Alice"); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	expected := []int{1, 2, 2}
	if len(metrics.known) != len(expected) {
		t.Fatalf("Expected gauge updates %v, got %v", expected, metrics.known)
	}
	for i := range expected {
		if metrics.known[i] != expected[i] {
			t.Errorf("Gauge update %d = %d, expected %d", i, metrics.known[i], expected[i])
		}
	}
}
