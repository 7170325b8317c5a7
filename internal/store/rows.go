package store

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
)

// Entity kinds in the world_entities table.
const (
	KindCharacter = "character"
	KindLocation  = "location"
	KindItem      = "item"
	KindBeat      = "beat"
)

// EntityRow is one world entity as stored by the SQL backends: identity
// columns plus the JSON document. Ord preserves collection order.
type EntityRow struct {
	Kind string
	ID   string
	Ord  int
	Name string
	Data []byte
}

// EncodeWorld flattens the world-entity collections of w into rows. The
// lorebook is stored separately, see [EncodeLore].
func EncodeWorld(w entity.World) ([]EntityRow, error) {
	rows := make([]EntityRow, 0, len(w.Characters)+len(w.Locations)+len(w.Items)+len(w.Beats))
	add := func(kind, id, name string, ord int, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("store: encode %s %s: %w", kind, id, err)
		}
		rows = append(rows, EntityRow{Kind: kind, ID: id, Ord: ord, Name: name, Data: data})
		return nil
	}
	for i, c := range w.Characters {
		if err := add(KindCharacter, c.ID, c.Name, i, c); err != nil {
			return nil, err
		}
	}
	for i, l := range w.Locations {
		if err := add(KindLocation, l.ID, l.Name, i, l); err != nil {
			return nil, err
		}
	}
	for i, it := range w.Items {
		if err := add(KindItem, it.ID, it.Name, i, it); err != nil {
			return nil, err
		}
	}
	for i, b := range w.Beats {
		if err := add(KindBeat, b.ID, b.Name, i, b); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// DecodeWorld rebuilds the world-entity collections from rows, in Ord order
// within each kind. Unknown kinds are an error.
func DecodeWorld(storyID string, rows []EntityRow) (entity.World, error) {
	rows = slices.Clone(rows)
	slices.SortStableFunc(rows, func(a, b EntityRow) int { return cmp.Compare(a.Ord, b.Ord) })

	w := entity.World{StoryID: storyID}
	for _, r := range rows {
		var err error
		switch r.Kind {
		case KindCharacter:
			var c entity.Character
			if err = json.Unmarshal(r.Data, &c); err == nil {
				w.Characters = append(w.Characters, c)
			}
		case KindLocation:
			var l entity.Location
			if err = json.Unmarshal(r.Data, &l); err == nil {
				w.Locations = append(w.Locations, l)
			}
		case KindItem:
			var it entity.Item
			if err = json.Unmarshal(r.Data, &it); err == nil {
				w.Items = append(w.Items, it)
			}
		case KindBeat:
			var b entity.StoryBeat
			if err = json.Unmarshal(r.Data, &b); err == nil {
				w.Beats = append(w.Beats, b)
			}
		default:
			err = fmt.Errorf("unknown kind %q", r.Kind)
		}
		if err != nil {
			return entity.World{}, fmt.Errorf("store: decode %s %s: %w", r.Kind, r.ID, err)
		}
	}
	return w, nil
}

// LoreRow is a lorebook entry in the lorebook_entries column layout. JSON
// columns hold the encoded documents.
type LoreRow struct {
	ID             string
	Ord            int
	Name           string
	Type           string
	Description    string
	HiddenInfo     string
	Aliases        []byte
	State          []byte
	AdventureState []byte
	CreativeState  []byte
	Injection      []byte
	FirstMentioned int
	LastMentioned  int
	MentionCount   int
	CreatedBy      string
}

// EncodeLore converts e into its row form.
func EncodeLore(e entity.LorebookEntry, ord int) (LoreRow, error) {
	r := LoreRow{
		ID:             e.ID,
		Ord:            ord,
		Name:           e.Name,
		Type:           string(e.Type),
		Description:    e.Description,
		HiddenInfo:     e.HiddenInfo,
		FirstMentioned: e.FirstMentioned,
		LastMentioned:  e.LastMentioned,
		MentionCount:   e.MentionCount,
		CreatedBy:      string(e.CreatedBy),
	}
	var err error
	for _, f := range []struct {
		dst *[]byte
		v   any
	}{
		{&r.Aliases, e.Aliases},
		{&r.State, e.State},
		{&r.AdventureState, e.AdventureState},
		{&r.CreativeState, e.CreativeState},
		{&r.Injection, e.Injection},
	} {
		if *f.dst, err = json.Marshal(f.v); err != nil {
			return LoreRow{}, fmt.Errorf("store: encode lore %s: %w", e.ID, err)
		}
	}
	return r, nil
}

// DecodeLore converts a row back into a lorebook entry.
func DecodeLore(storyID string, r LoreRow) (entity.LorebookEntry, error) {
	e := entity.LorebookEntry{
		ID:             r.ID,
		StoryID:        storyID,
		Name:           r.Name,
		Type:           entity.LoreType(r.Type),
		Description:    r.Description,
		HiddenInfo:     r.HiddenInfo,
		FirstMentioned: r.FirstMentioned,
		LastMentioned:  r.LastMentioned,
		MentionCount:   r.MentionCount,
		CreatedBy:      entity.CreatedBy(r.CreatedBy),
	}
	for _, f := range []struct {
		src []byte
		dst any
	}{
		{r.Aliases, &e.Aliases},
		{r.State, &e.State},
		{r.AdventureState, &e.AdventureState},
		{r.CreativeState, &e.CreativeState},
		{r.Injection, &e.Injection},
	} {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return entity.LorebookEntry{}, fmt.Errorf("store: decode lore %s: %w", r.ID, err)
		}
	}
	return e, nil
}

// EncodeStrings renders a string list as a JSON array column.
func EncodeStrings(s []string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// DecodeStrings parses a JSON array column. Empty input yields nil.
func DecodeStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("store: decode string list: %w", err)
	}
	return s, nil
}
