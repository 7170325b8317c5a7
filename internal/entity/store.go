package entity

import "errors"

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicateID is returned by Add when an entity with the same ID already exists.
var ErrDuplicateID = errors.New("entity with that ID already exists")

// ErrInvariant is returned when an edit would leave the world with two
// protagonists or without exactly one current location.
var ErrInvariant = errors.New("entity: world invariant violated")

// Store is the narrow view of a story's world state used by the turn
// pipeline. Reads hand out snapshots; writes go through explicit apply steps.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Snapshot returns a deep copy of the current world.
	Snapshot() World

	// Restore replaces the world wholesale (retry, load from persistence).
	Restore(w World)

	// Apply merges a classification delta into the world at the given story
	// position and reports what changed.
	Apply(d Delta, position int) MergeReport

	// Touch updates lorebook mention telemetry for entries named in text.
	Touch(text string, position int)
}

// keyed is satisfied by every entity type so the collection helpers below
// can be shared.
type keyed interface {
	Character | Location | Item | StoryBeat | LorebookEntry
	key() string
}

func (c Character) key() string     { return c.ID }
func (l Location) key() string      { return l.ID }
func (i Item) key() string          { return i.ID }
func (b StoryBeat) key() string     { return b.ID }
func (e LorebookEntry) key() string { return e.ID }

func indexOf[T keyed](list []T, id string) int {
	for i, v := range list {
		if v.key() == id {
			return i
		}
	}
	return -1
}

func findByID[T keyed](list []T, id string) (T, error) {
	if i := indexOf(list, id); i >= 0 {
		return list[i], nil
	}
	var zero T
	return zero, ErrNotFound
}

func replaceByID[T keyed](list []T, v T) error {
	i := indexOf(list, v.key())
	if i < 0 {
		return ErrNotFound
	}
	list[i] = v
	return nil
}

func removeByID[T keyed](list []T, id string) ([]T, error) {
	i := indexOf(list, id)
	if i < 0 {
		return list, ErrNotFound
	}
	return append(list[:i], list[i+1:]...), nil
}
