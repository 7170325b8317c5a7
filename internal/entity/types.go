// Package entity holds the world state of a story: characters, locations,
// items, story beats and lorebook entries, together with the invariants that
// keep them consistent with the narrative.
//
// [World] is an immutable-by-convention value snapshot. Pure functions
// ([ApplyDelta], [TouchLore]) take a World and return a new one; [MemStore]
// is the per-story mutable holder that enforces the protagonist and
// current-location invariants on direct user edits.
package entity

import "slices"

// InventoryLocation is the Item.Location sentinel for items the protagonist
// carries.
const InventoryLocation = "inventory"

// RelationshipSelf marks the protagonist. At most one character per story
// holds it.
const RelationshipSelf = "self"

// CharacterStatus is the life-cycle state of a character.
type CharacterStatus string

const (
	StatusActive   CharacterStatus = "active"
	StatusInactive CharacterStatus = "inactive"
	StatusDeceased CharacterStatus = "deceased"
)

// IsValid reports whether s is a recognised character status.
func (s CharacterStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDeceased:
		return true
	}
	return false
}

// BeatType classifies a story beat.
type BeatType string

const (
	BeatMilestone  BeatType = "milestone"
	BeatQuest      BeatType = "quest"
	BeatRevelation BeatType = "revelation"
	BeatEvent      BeatType = "event"
	BeatPlotPoint  BeatType = "plot_point"
)

// IsValid reports whether t is a recognised beat type.
func (t BeatType) IsValid() bool {
	switch t {
	case BeatMilestone, BeatQuest, BeatRevelation, BeatEvent, BeatPlotPoint:
		return true
	}
	return false
}

// BeatStatus is the progress state of a story beat.
type BeatStatus string

const (
	BeatPending   BeatStatus = "pending"
	BeatActive    BeatStatus = "active"
	BeatCompleted BeatStatus = "completed"
	BeatFailed    BeatStatus = "failed"
)

// IsValid reports whether s is a recognised beat status.
func (s BeatStatus) IsValid() bool {
	switch s {
	case BeatPending, BeatActive, BeatCompleted, BeatFailed:
		return true
	}
	return false
}

// Open reports whether the beat still drives the story (pending or active).
func (s BeatStatus) Open() bool { return s == BeatPending || s == BeatActive }

// Character is a named person or creature in the story.
type Character struct {
	ID          string `json:"id" yaml:"id"`
	StoryID     string `json:"storyId" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// Relationship to the protagonist ("ally", "rival", ...). The protagonist
	// itself holds [RelationshipSelf].
	Relationship string          `json:"relationship" yaml:"relationship"`
	Traits       []string        `json:"traits" yaml:"traits"`
	Status       CharacterStatus `json:"status" yaml:"status"`
}

// IsProtagonist reports whether c is the story's protagonist.
func (c Character) IsProtagonist() bool { return c.Relationship == RelationshipSelf }

// Location is a place in the story world.
type Location struct {
	ID          string   `json:"id" yaml:"id"`
	StoryID     string   `json:"storyId" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Visited     bool     `json:"visited" yaml:"visited"`
	Current     bool     `json:"current" yaml:"current"`
	Connections []string `json:"connections" yaml:"connections"`
}

// Item is a physical object. Location is [InventoryLocation] or a location id.
type Item struct {
	ID          string `json:"id" yaml:"id"`
	StoryID     string `json:"storyId" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Quantity    int    `json:"quantity" yaml:"quantity"`
	Equipped    bool   `json:"equipped" yaml:"equipped"`
	Location    string `json:"location" yaml:"location"`
}

// InInventory reports whether the protagonist carries the item.
func (i Item) InInventory() bool { return i.Location == InventoryLocation }

// StoryBeat is a quest, milestone or other plot thread.
type StoryBeat struct {
	ID          string     `json:"id" yaml:"id"`
	StoryID     string     `json:"storyId" yaml:"-"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Type        BeatType   `json:"type" yaml:"type"`
	Status      BeatStatus `json:"status" yaml:"status"`
}

// LoreType classifies a lorebook entry.
type LoreType string

const (
	LoreCharacter LoreType = "character"
	LoreLocation  LoreType = "location"
	LoreItem      LoreType = "item"
	LoreFaction   LoreType = "faction"
	LoreConcept   LoreType = "concept"
	LoreEvent     LoreType = "event"
)

// IsValid reports whether t is a recognised lore type.
func (t LoreType) IsValid() bool {
	switch t {
	case LoreCharacter, LoreLocation, LoreItem, LoreFaction, LoreConcept, LoreEvent:
		return true
	}
	return false
}

// InjectionMode decides when a lorebook entry enters the prompt.
type InjectionMode string

const (
	InjectAlways  InjectionMode = "always"
	InjectKeyword InjectionMode = "keyword"
	InjectNever   InjectionMode = "never"
)

// IsValid reports whether m is a recognised injection mode.
func (m InjectionMode) IsValid() bool {
	switch m {
	case InjectAlways, InjectKeyword, InjectNever:
		return true
	}
	return false
}

// Injection is a lorebook entry's prompt-injection policy.
type Injection struct {
	Mode     InjectionMode `json:"mode" yaml:"mode"`
	Keywords []string      `json:"keywords" yaml:"keywords"`

	// Priority orders entries within a tier; higher first.
	Priority int `json:"priority" yaml:"priority"`
}

// CreatedBy records who created a lorebook entry.
type CreatedBy string

const (
	CreatedByUser   CreatedBy = "user"
	CreatedByAI     CreatedBy = "ai"
	CreatedByImport CreatedBy = "import"
)

// IsValid reports whether c is a recognised creator.
func (c CreatedBy) IsValid() bool {
	switch c {
	case CreatedByUser, CreatedByAI, CreatedByImport:
		return true
	}
	return false
}

// LorebookEntry is a named concept with an explicit injection policy,
// independent of the world-entity collections.
type LorebookEntry struct {
	ID          string   `json:"id" yaml:"id"`
	StoryID     string   `json:"storyId" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Type        LoreType `json:"type" yaml:"type"`
	Aliases     []string `json:"aliases" yaml:"aliases"`
	Description string   `json:"description" yaml:"description"`

	// HiddenInfo is shown to the model but never to the reader.
	HiddenInfo string `json:"hiddenInfo" yaml:"hidden_info"`

	// Mode-specific state blobs; opaque to the memory pipeline.
	State          map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
	AdventureState map[string]any `json:"adventureState,omitempty" yaml:"adventure_state,omitempty"`
	CreativeState  map[string]any `json:"creativeState,omitempty" yaml:"creative_state,omitempty"`

	Injection Injection `json:"injection" yaml:"injection"`

	// Usage telemetry, in story positions. FirstMentioned is -1 until the
	// entry is first seen in the narrative.
	FirstMentioned int `json:"firstMentioned" yaml:"-"`
	LastMentioned  int `json:"lastMentioned" yaml:"-"`
	MentionCount   int `json:"mentionCount" yaml:"-"`

	CreatedBy CreatedBy `json:"createdBy" yaml:"-"`
}

// Terms returns the name, aliases and keywords used to match the entry
// against text, in that order.
func (e LorebookEntry) Terms() []string {
	terms := make([]string, 0, 1+len(e.Aliases)+len(e.Injection.Keywords))
	terms = append(terms, e.Name)
	terms = append(terms, e.Aliases...)
	terms = append(terms, e.Injection.Keywords...)
	return terms
}

// ─────────────────────────────────────────────────────────────────────────────
// World snapshot
// ─────────────────────────────────────────────────────────────────────────────

// World is the complete world state of one story. Collections keep insertion
// order so rendering and persistence are deterministic.
type World struct {
	StoryID    string          `json:"storyId"`
	Characters []Character     `json:"characters"`
	Locations  []Location      `json:"locations"`
	Items      []Item          `json:"items"`
	Beats      []StoryBeat     `json:"beats"`
	Lorebook   []LorebookEntry `json:"lorebook"`
}

// Clone returns a deep copy of w.
func (w World) Clone() World {
	out := World{StoryID: w.StoryID}
	if w.Characters != nil {
		out.Characters = make([]Character, len(w.Characters))
		for i, c := range w.Characters {
			c.Traits = slices.Clone(c.Traits)
			out.Characters[i] = c
		}
	}
	if w.Locations != nil {
		out.Locations = make([]Location, len(w.Locations))
		for i, l := range w.Locations {
			l.Connections = slices.Clone(l.Connections)
			out.Locations[i] = l
		}
	}
	out.Items = slices.Clone(w.Items)
	out.Beats = slices.Clone(w.Beats)
	if w.Lorebook != nil {
		out.Lorebook = make([]LorebookEntry, len(w.Lorebook))
		for i, e := range w.Lorebook {
			e.Aliases = slices.Clone(e.Aliases)
			e.Injection.Keywords = slices.Clone(e.Injection.Keywords)
			e.State = cloneMap(e.State)
			e.AdventureState = cloneMap(e.AdventureState)
			e.CreativeState = cloneMap(e.CreativeState)
			out.Lorebook[i] = e
		}
	}
	return out
}

// Protagonist returns the character holding [RelationshipSelf].
func (w World) Protagonist() (Character, bool) {
	for _, c := range w.Characters {
		if c.IsProtagonist() {
			return c, true
		}
	}
	return Character{}, false
}

// CurrentLocation returns the location marked current.
func (w World) CurrentLocation() (Location, bool) {
	for _, l := range w.Locations {
		if l.Current {
			return l, true
		}
	}
	return Location{}, false
}

// Inventory returns the items the protagonist carries.
func (w World) Inventory() []Item {
	var out []Item
	for _, it := range w.Items {
		if it.InInventory() {
			out = append(out, it)
		}
	}
	return out
}

// OpenBeats returns pending and active story beats.
func (w World) OpenBeats() []StoryBeat {
	var out []StoryBeat
	for _, b := range w.Beats {
		if b.Status.Open() {
			out = append(out, b)
		}
	}
	return out
}

// LocationName resolves a location id to its name. Unknown ids and the
// inventory sentinel are returned unchanged.
func (w World) LocationName(id string) string {
	for _, l := range w.Locations {
		if l.ID == id {
			return l.Name
		}
	}
	return id
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
