package turn_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/turn"
)

// flakyStore fails writes while saveErr is set.
type flakyStore struct {
	*store.MemStore

	mu      sync.Mutex
	saveErr error
}

func (f *flakyStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *flakyStore) Save(ctx context.Context, st store.State) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemStore.Save(ctx, st)
}

func (f *flakyStore) PutSetting(ctx context.Context, storyID, key, value string) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemStore.PutSetting(ctx, storyID, key, value)
}

func TestMemoryGuard(t *testing.T) {
	t.Run("successful save", func(t *testing.T) {
		s := &flakyStore{MemStore: store.NewMemStore()}
		mg := turn.NewMemoryGuard(s, nil)

		mg.Save(context.Background(), store.NewState("s1"))
		if mg.IsDegraded() {
			t.Error("should not be degraded after successful save")
		}
		if _, err := s.Load(context.Background(), "s1"); err != nil {
			t.Errorf("Load after save: %v", err)
		}
	})

	t.Run("save failure is swallowed", func(t *testing.T) {
		s := &flakyStore{MemStore: store.NewMemStore(), saveErr: errors.New("disk full")}
		mg := turn.NewMemoryGuard(s, nil)

		mg.Save(context.Background(), store.NewState("s1"))
		if !mg.IsDegraded() {
			t.Error("should be degraded after failed save")
		}
	})

	t.Run("recovers from degraded after successful save", func(t *testing.T) {
		s := &flakyStore{MemStore: store.NewMemStore(), saveErr: errors.New("temporary failure")}
		mg := turn.NewMemoryGuard(s, nil)

		mg.PutSetting(context.Background(), "s1", "k", "v")
		if !mg.IsDegraded() {
			t.Error("should be degraded")
		}

		s.setErr(nil)
		mg.Save(context.Background(), store.NewState("s1"))
		if mg.IsDegraded() {
			t.Error("should have recovered")
		}
	})

	t.Run("missing setting is not a failure", func(t *testing.T) {
		mg := turn.NewMemoryGuard(store.NewMemStore(), nil)

		if v := mg.Setting(context.Background(), "s1", "nope"); v != "" {
			t.Errorf("Setting = %q, want empty", v)
		}
		if mg.IsDegraded() {
			t.Error("a missing setting should not degrade the guard")
		}
	})

	t.Run("load errors pass through", func(t *testing.T) {
		mg := turn.NewMemoryGuard(store.NewMemStore(), nil)

		if _, err := mg.Load(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSession_PersistenceFailureDegrades(t *testing.T) {
	t.Parallel()
	s := &flakyStore{MemStore: store.NewMemStore(), saveErr: errors.New("locked")}
	f := newFixture(t, func(c *turn.Config) { c.Store = s })
	ctx := context.Background()

	if _, err := f.session.Submit(ctx, "I light a torch."); err != nil {
		t.Fatalf("Submit should succeed while the store is down: %v", err)
	}
	if !f.session.Degraded() || !f.engine.Degraded() {
		t.Error("session should report degraded")
	}
	if n := len(f.session.Entries()); n != 2 {
		t.Errorf("got %d entries in memory, want 2", n)
	}

	s.setErr(nil)
	if _, err := f.session.Submit(ctx, "I walk on."); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.session.Degraded() {
		t.Error("should recover after a successful save")
	}
	saved, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved.Entries) != 4 {
		t.Errorf("persisted %d entries, want 4", len(saved.Entries))
	}
}

func TestTaskRunner(t *testing.T) {
	t.Parallel()
	r := turn.NewTaskRunner(nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())

	var ran atomic.Int32
	r.Go(ctx, "ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	r.Go(ctx, "fails", func(context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	})
	r.Go(ctx, "panics", func(context.Context) error {
		ran.Add(1)
		panic("bad")
	})
	r.Go(ctx, "outlives caller", func(ctx context.Context) error {
		cancel()
		if ctx.Err() != nil {
			t.Error("task context was cancelled with its caller")
		}
		ran.Add(1)
		return nil
	})
	r.Wait()

	if n := ran.Load(); n != 4 {
		t.Errorf("ran %d tasks, want 4", n)
	}
}
