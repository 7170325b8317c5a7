package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/surfacecoaster/Aventura-custom/internal/store"
)

// MemoryGuard wraps a [store.Store] and makes writes non-fatal. If the
// underlying store fails, the error is logged and swallowed and the guard
// reports itself degraded until the next successful write.
//
// A story keeps playing while its backend is unavailable (database restart,
// locked SQLite file). The in-memory session stays authoritative and the
// next successful save catches the store up.
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    store.Store
	log      *slog.Logger
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping s.
func NewMemoryGuard(s store.Store, log *slog.Logger) *MemoryGuard {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryGuard{store: s, log: log}
}

// Load delegates to the underlying store. Errors are returned unchanged so
// callers can tell a new story ([store.ErrNotFound]) from a broken backend.
func (mg *MemoryGuard) Load(ctx context.Context, storyID string) (store.State, error) {
	return mg.store.Load(ctx, storyID)
}

// Save attempts to persist st. On failure the error is logged and swallowed;
// the guard is marked as degraded. On success the degraded flag is cleared.
func (mg *MemoryGuard) Save(ctx context.Context, st store.State) {
	if err := mg.store.Save(ctx, st); err != nil {
		mg.degraded.Store(true)
		mg.log.Warn("memory guard: Save failed, swallowing error",
			"story_id", st.StoryID,
			"entries", len(st.Entries),
			"err", err,
		)
		return
	}
	mg.degraded.Store(false)
}

// PutSetting attempts to write one setting. Failures are handled as in
// [MemoryGuard.Save].
func (mg *MemoryGuard) PutSetting(ctx context.Context, storyID, key, value string) {
	if err := mg.store.PutSetting(ctx, storyID, key, value); err != nil {
		mg.degraded.Store(true)
		mg.log.Warn("memory guard: PutSetting failed, swallowing error",
			"story_id", storyID,
			"key", key,
			"err", err,
		)
		return
	}
	mg.degraded.Store(false)
}

// Setting returns a setting, or "" when it is missing or the store fails.
func (mg *MemoryGuard) Setting(ctx context.Context, storyID, key string) string {
	v, err := mg.store.Setting(ctx, storyID, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			mg.degraded.Store(true)
			mg.log.Warn("memory guard: Setting failed, returning empty",
				"story_id", storyID,
				"key", key,
				"err", err,
			)
		}
		return ""
	}
	return v
}

// IsDegraded reports whether the most recent write to the underlying store
// failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}
