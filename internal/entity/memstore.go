package entity

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is the per-story, thread-safe holder of a [World]. It enforces the
// protagonist and current-location invariants on direct edits. One MemStore
// serves exactly one story; nothing is shared between instances.
type MemStore struct {
	mu sync.RWMutex
	w  World
}

// NewMemStore returns an empty store for storyID.
func NewMemStore(storyID string) *MemStore {
	return &MemStore{w: World{StoryID: storyID}}
}

// NewMemStoreFrom returns a store holding a deep copy of w.
func NewMemStoreFrom(w World) *MemStore {
	return &MemStore{w: w.Clone()}
}

// Snapshot implements [Store.Snapshot].
func (s *MemStore) Snapshot() World {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Clone()
}

// Restore implements [Store.Restore].
func (s *MemStore) Restore(w World) {
	s.mu.Lock()
	defer s.mu.Unlock()
	storyID := s.w.StoryID
	s.w = w.Clone()
	if s.w.StoryID == "" {
		s.w.StoryID = storyID
	}
}

// Apply implements [Store.Apply].
func (s *MemStore) Apply(d Delta, position int) MergeReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, rep := ApplyDelta(s.w, d, position)
	s.w = next
	return rep
}

// Touch implements [Store.Touch].
func (s *MemStore) Touch(text string, position int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = TouchLore(s.w, text, position)
}

// ─────────────────────────────────────────────────────────────────────────────
// Characters
// ─────────────────────────────────────────────────────────────────────────────

// AddCharacter adds c, generating an ID when empty. Adding a second
// protagonist returns [ErrInvariant]; use [MemStore.SetProtagonist] instead.
func (s *MemStore) AddCharacter(_ context.Context, c Character) (Character, error) {
	if err := ValidateCharacter(c); err != nil {
		return Character{}, fmt.Errorf("entity: add character: %w", err)
	}
	if c.Status == "" {
		c.Status = StatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = newID()
	} else if indexOf(s.w.Characters, c.ID) >= 0 {
		return Character{}, ErrDuplicateID
	}
	if c.IsProtagonist() {
		if _, ok := s.w.Protagonist(); ok {
			return Character{}, fmt.Errorf("entity: add character %q: %w", c.Name, ErrInvariant)
		}
	}
	c.StoryID = s.w.StoryID
	s.w.Characters = append(s.w.Characters, c)
	return c, nil
}

// GetCharacter returns the character with the given id.
func (s *MemStore) GetCharacter(_ context.Context, id string) (Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByID(s.w.Characters, id)
}

// UpdateCharacter replaces an existing character. Turning a non-protagonist
// into the protagonist this way returns [ErrInvariant].
func (s *MemStore) UpdateCharacter(_ context.Context, c Character) error {
	if err := ValidateCharacter(c); err != nil {
		return fmt.Errorf("entity: update character: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.w.Characters, c.ID)
	if i < 0 {
		return ErrNotFound
	}
	if c.IsProtagonist() && !s.w.Characters[i].IsProtagonist() {
		if _, ok := s.w.Protagonist(); ok {
			return fmt.Errorf("entity: update character %q: %w", c.Name, ErrInvariant)
		}
	}
	c.StoryID = s.w.StoryID
	s.w.Characters[i] = c
	return nil
}

// RemoveCharacter deletes a character. Deletion is always a user action.
func (s *MemStore) RemoveCharacter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := removeByID(s.w.Characters, id)
	if err != nil {
		return err
	}
	s.w.Characters = list
	return nil
}

// SetProtagonist makes the character with id the protagonist. The previous
// protagonist takes over the new one's former relationship (or "companion"
// when it had none); both changes happen atomically and nothing is deleted.
func (s *MemStore) SetProtagonist(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := indexOf(s.w.Characters, id)
	if next < 0 {
		return ErrNotFound
	}
	if s.w.Characters[next].IsProtagonist() {
		return nil
	}
	former := s.w.Characters[next].Relationship
	if former == "" {
		former = "companion"
	}
	for i := range s.w.Characters {
		if s.w.Characters[i].IsProtagonist() {
			s.w.Characters[i].Relationship = former
		}
	}
	s.w.Characters[next].Relationship = RelationshipSelf
	return nil
}

// Characters returns all characters in insertion order.
func (s *MemStore) Characters() []Character {
	return s.Snapshot().Characters
}

// ─────────────────────────────────────────────────────────────────────────────
// Locations
// ─────────────────────────────────────────────────────────────────────────────

// AddLocation adds l. The first location of a story always becomes current;
// adding a location with Current set moves the story there.
func (s *MemStore) AddLocation(_ context.Context, l Location) (Location, error) {
	if err := ValidateLocation(l); err != nil {
		return Location{}, fmt.Errorf("entity: add location: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = newID()
	} else if indexOf(s.w.Locations, l.ID) >= 0 {
		return Location{}, ErrDuplicateID
	}
	if len(s.w.Locations) == 0 {
		l.Current = true
	}
	if l.Current {
		l.Visited = true
		for i := range s.w.Locations {
			s.w.Locations[i].Current = false
		}
	}
	l.StoryID = s.w.StoryID
	s.w.Locations = append(s.w.Locations, l)
	return l, nil
}

// GetLocation returns the location with the given id.
func (s *MemStore) GetLocation(_ context.Context, id string) (Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByID(s.w.Locations, id)
}

// UpdateLocation replaces an existing location. Clearing Current on the
// current location returns [ErrInvariant]; move with SetCurrentLocation.
func (s *MemStore) UpdateLocation(_ context.Context, l Location) error {
	if err := ValidateLocation(l); err != nil {
		return fmt.Errorf("entity: update location: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.w.Locations, l.ID)
	if i < 0 {
		return ErrNotFound
	}
	if s.w.Locations[i].Current && !l.Current {
		return fmt.Errorf("entity: update location %q: %w", l.Name, ErrInvariant)
	}
	if l.Current {
		l.Visited = true
		for j := range s.w.Locations {
			s.w.Locations[j].Current = false
		}
	}
	l.StoryID = s.w.StoryID
	s.w.Locations[i] = l
	return nil
}

// RemoveLocation deletes a location. Removing the current location promotes
// the first remaining one.
func (s *MemStore) RemoveLocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := removeByID(s.w.Locations, id)
	if err != nil {
		return err
	}
	s.w.Locations = list
	s.w.ensureCurrent()
	return nil
}

// SetCurrentLocation moves the story to the location with id.
func (s *MemStore) SetCurrentLocation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.w.Locations, id)
	if i < 0 {
		return ErrNotFound
	}
	for j := range s.w.Locations {
		s.w.Locations[j].Current = j == i
	}
	s.w.Locations[i].Visited = true
	return nil
}

// Locations returns all locations in insertion order.
func (s *MemStore) Locations() []Location {
	return s.Snapshot().Locations
}

// ─────────────────────────────────────────────────────────────────────────────
// Items, beats, lorebook
// ─────────────────────────────────────────────────────────────────────────────

// AddItem adds it. An empty Location puts the item in the inventory.
func (s *MemStore) AddItem(_ context.Context, it Item) (Item, error) {
	if err := ValidateItem(it); err != nil {
		return Item{}, fmt.Errorf("entity: add item: %w", err)
	}
	if it.Location == "" {
		it.Location = InventoryLocation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if it.ID == "" {
		it.ID = newID()
	} else if indexOf(s.w.Items, it.ID) >= 0 {
		return Item{}, ErrDuplicateID
	}
	it.StoryID = s.w.StoryID
	s.w.Items = append(s.w.Items, it)
	return it, nil
}

// UpdateItem replaces an existing item.
func (s *MemStore) UpdateItem(_ context.Context, it Item) error {
	if err := ValidateItem(it); err != nil {
		return fmt.Errorf("entity: update item: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it.StoryID = s.w.StoryID
	return replaceByID(s.w.Items, it)
}

// RemoveItem deletes an item.
func (s *MemStore) RemoveItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := removeByID(s.w.Items, id)
	if err != nil {
		return err
	}
	s.w.Items = list
	return nil
}

// AddBeat adds a story beat.
func (s *MemStore) AddBeat(_ context.Context, b StoryBeat) (StoryBeat, error) {
	if err := ValidateBeat(b); err != nil {
		return StoryBeat{}, fmt.Errorf("entity: add beat: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = newID()
	} else if indexOf(s.w.Beats, b.ID) >= 0 {
		return StoryBeat{}, ErrDuplicateID
	}
	b.StoryID = s.w.StoryID
	s.w.Beats = append(s.w.Beats, b)
	return b, nil
}

// UpdateBeat replaces an existing story beat.
func (s *MemStore) UpdateBeat(_ context.Context, b StoryBeat) error {
	if err := ValidateBeat(b); err != nil {
		return fmt.Errorf("entity: update beat: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.StoryID = s.w.StoryID
	return replaceByID(s.w.Beats, b)
}

// RemoveBeat deletes a story beat.
func (s *MemStore) RemoveBeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := removeByID(s.w.Beats, id)
	if err != nil {
		return err
	}
	s.w.Beats = list
	return nil
}

// AddLore adds a lorebook entry. CreatedBy defaults to user and the
// injection mode to keyword.
func (s *MemStore) AddLore(_ context.Context, e LorebookEntry) (LorebookEntry, error) {
	if e.CreatedBy == "" {
		e.CreatedBy = CreatedByUser
	}
	if e.Injection.Mode == "" {
		e.Injection.Mode = InjectKeyword
	}
	if e.MentionCount == 0 {
		e.FirstMentioned, e.LastMentioned = -1, -1
	}
	if err := ValidateLore(e); err != nil {
		return LorebookEntry{}, fmt.Errorf("entity: add lore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = newID()
	} else if indexOf(s.w.Lorebook, e.ID) >= 0 {
		return LorebookEntry{}, ErrDuplicateID
	}
	e.StoryID = s.w.StoryID
	s.w.Lorebook = append(s.w.Lorebook, e)
	return e, nil
}

// GetLore returns the lorebook entry with the given id.
func (s *MemStore) GetLore(_ context.Context, id string) (LorebookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByID(s.w.Lorebook, id)
}

// UpdateLore replaces an existing lorebook entry.
func (s *MemStore) UpdateLore(_ context.Context, e LorebookEntry) error {
	if err := ValidateLore(e); err != nil {
		return fmt.Errorf("entity: update lore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.StoryID = s.w.StoryID
	return replaceByID(s.w.Lorebook, e)
}

// RemoveLore deletes a lorebook entry.
func (s *MemStore) RemoveLore(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := removeByID(s.w.Lorebook, id)
	if err != nil {
		return err
	}
	s.w.Lorebook = list
	return nil
}

// BulkImport adds every entity in w, stopping at the first error. Lorebook
// entries without a creator are marked as imported. Returns the number of
// records added.
func (s *MemStore) BulkImport(ctx context.Context, w World) (int, error) {
	count := 0
	for _, c := range w.Characters {
		if _, err := s.AddCharacter(ctx, c); err != nil {
			return count, fmt.Errorf("entity: bulk import character %q: %w", c.Name, err)
		}
		count++
	}
	for _, l := range w.Locations {
		if _, err := s.AddLocation(ctx, l); err != nil {
			return count, fmt.Errorf("entity: bulk import location %q: %w", l.Name, err)
		}
		count++
	}
	for _, it := range w.Items {
		if _, err := s.AddItem(ctx, s.resolvedItem(it)); err != nil {
			return count, fmt.Errorf("entity: bulk import item %q: %w", it.Name, err)
		}
		count++
	}
	for _, b := range w.Beats {
		if _, err := s.AddBeat(ctx, b); err != nil {
			return count, fmt.Errorf("entity: bulk import beat %q: %w", b.Name, err)
		}
		count++
	}
	for _, e := range w.Lorebook {
		if e.CreatedBy == "" {
			e.CreatedBy = CreatedByImport
		}
		if _, err := s.AddLore(ctx, e); err != nil {
			return count, fmt.Errorf("entity: bulk import lore %q: %w", e.Name, err)
		}
		count++
	}
	return count, nil
}

// resolvedItem maps an imported item's location name onto a location id.
func (s *MemStore) resolvedItem(it Item) Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if loc := s.w.resolveItemLocation(it.Location); loc != "" {
		it.Location = loc
	}
	return it
}
