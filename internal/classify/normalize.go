package classify

import (
	"strings"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
)

var beatTypeAliases = map[string]entity.BeatType{
	"plot point": entity.BeatPlotPoint,
	"plotpoint":  entity.BeatPlotPoint,
	"plot-point": entity.BeatPlotPoint,
	"side quest": entity.BeatQuest,
	"objective":  entity.BeatQuest,
	"reveal":     entity.BeatRevelation,
}

var groundingStopwords = map[string]bool{
	"the": true, "and": true, "of": true, "old": true, "young": true,
	"lord": true, "lady": true, "sir": true,
}

var inventoryAliases = map[string]bool{
	entity.InventoryLocation: true,
	"player":                 true,
	"protagonist":            true,
	"carried":                true,
	"you":                    true,
}

// normalize cleans a decoded reply: drops nameless records, folds duplicate
// mentions inside each list, maps enum spellings onto the canonical values
// (unknown becomes empty so the merge keeps or defaults the field) and moves
// "new" records that already exist into the update lists.
func normalize(r Result, in Input, grounding bool) Result {
	text := in.UserAction + "\n" + in.Narrative
	var out Result

	for _, c := range dedupe(r.NewCharacters, func(c entity.Character) string { return c.Name }) {
		c = cleanCharacter(c)
		if id, ok := matchExisting(in.Characters, c.ID, c.Name, characterKey); ok {
			c.ID = id
			out.UpdatedCharacters = append(out.UpdatedCharacters, c)
			continue
		}
		if grounding && !grounded(text, c.Name) {
			continue
		}
		c.ID = ""
		out.NewCharacters = append(out.NewCharacters, c)
	}
	for _, c := range dedupe(r.UpdatedCharacters, func(c entity.Character) string { return c.Name }) {
		c = cleanCharacter(c)
		id, ok := matchExisting(in.Characters, c.ID, c.Name, characterKey)
		if !ok {
			continue
		}
		c.ID = id
		out.UpdatedCharacters = appendUniqueByID(out.UpdatedCharacters, c, func(c entity.Character) string { return c.ID })
	}

	for _, l := range dedupe(r.NewLocations, func(l entity.Location) string { return l.Name }) {
		l.Name = strings.TrimSpace(l.Name)
		l.Current, l.Visited = false, false
		if id, ok := matchExisting(in.Locations, l.ID, l.Name, locationKey); ok {
			l.ID = id
		} else {
			if grounding && !grounded(text, l.Name) {
				continue
			}
			l.ID = ""
		}
		out.NewLocations = append(out.NewLocations, l)
	}

	for _, it := range dedupe(r.NewItems, func(it entity.Item) string { return it.Name }) {
		it = cleanItem(it, true)
		if id, ok := matchExisting(in.Items, it.ID, it.Name, itemKey); ok {
			it.ID = id
			out.UpdatedItems = append(out.UpdatedItems, it)
			continue
		}
		it.ID = ""
		out.NewItems = append(out.NewItems, it)
	}
	for _, it := range dedupe(r.UpdatedItems, func(it entity.Item) string { return it.Name }) {
		it = cleanItem(it, false)
		id, ok := matchExisting(in.Items, it.ID, it.Name, itemKey)
		if !ok {
			continue
		}
		it.ID = id
		out.UpdatedItems = appendUniqueByID(out.UpdatedItems, it, func(it entity.Item) string { return it.ID })
	}

	for _, b := range dedupe(r.NewStoryBeats, func(b entity.StoryBeat) string { return b.Name }) {
		b = cleanBeat(b)
		if id, ok := matchExisting(in.Beats, b.ID, b.Name, beatKey); ok {
			b.ID = id
			out.UpdatedStoryBeats = append(out.UpdatedStoryBeats, b)
			continue
		}
		b.ID = ""
		out.NewStoryBeats = append(out.NewStoryBeats, b)
	}
	for _, b := range dedupe(r.UpdatedStoryBeats, func(b entity.StoryBeat) string { return b.Name }) {
		b = cleanBeat(b)
		id, ok := matchExisting(in.Beats, b.ID, b.Name, beatKey)
		if !ok {
			continue
		}
		b.ID = id
		out.UpdatedStoryBeats = appendUniqueByID(out.UpdatedStoryBeats, b, func(b entity.StoryBeat) string { return b.ID })
	}

	out.CurrentLocationName = strings.TrimSpace(r.CurrentLocationName)
	return out
}

func cleanCharacter(c entity.Character) entity.Character {
	c.Name = strings.TrimSpace(c.Name)
	c.Relationship = strings.ToLower(strings.TrimSpace(c.Relationship))
	c.Status = entity.CharacterStatus(strings.ToLower(strings.TrimSpace(string(c.Status))))
	if !c.Status.IsValid() {
		c.Status = ""
	}
	return c
}

func cleanItem(it entity.Item, isNew bool) entity.Item {
	it.Name = strings.TrimSpace(it.Name)
	loc := strings.TrimSpace(it.Location)
	switch {
	case inventoryAliases[strings.ToLower(loc)]:
		it.Location = entity.InventoryLocation
	case loc == "" && isNew:
		it.Location = entity.InventoryLocation
	default:
		it.Location = loc
	}
	if it.Quantity < 0 {
		it.Quantity = 0
	}
	return it
}

func cleanBeat(b entity.StoryBeat) entity.StoryBeat {
	b.Name = strings.TrimSpace(b.Name)
	t := strings.ToLower(strings.TrimSpace(string(b.Type)))
	if alias, ok := beatTypeAliases[t]; ok {
		b.Type = alias
	} else {
		b.Type = entity.BeatType(strings.ReplaceAll(t, " ", "_"))
	}
	if !b.Type.IsValid() {
		b.Type = ""
	}
	b.Status = entity.BeatStatus(strings.ToLower(strings.TrimSpace(string(b.Status))))
	if !b.Status.IsValid() {
		b.Status = ""
	}
	return b
}

func characterKey(c entity.Character) (string, string) { return c.ID, c.Name }
func locationKey(l entity.Location) (string, string) { return l.ID, l.Name }
func itemKey(it entity.Item) (string, string) { return it.ID, it.Name }
func beatKey(b entity.StoryBeat) (string, string) { return b.ID, b.Name }

// matchExisting finds the existing record an incoming one refers to: by id
// first, then by name.
func matchExisting[T any](existing []T, id, name string, key func(T) (string, string)) (string, bool) {
	if id != "" {
		for _, e := range existing {
			if eid, _ := key(e); eid == id {
				return eid, true
			}
		}
	}
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	for _, e := range existing {
		if eid, ename := key(e); entity.SameName(ename, name) {
			return eid, true
		}
	}
	return "", false
}

// dedupe drops records with empty names and keeps the first of any group
// that names the same thing.
func dedupe[T any](in []T, name func(T) string) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		n := strings.TrimSpace(name(v))
		if n == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if entity.SameName(name(seen), n) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func appendUniqueByID[T any](list []T, v T, id func(T) string) []T {
	for _, e := range list {
		if id(e) == id(v) {
			return list
		}
	}
	return append(list, v)
}

// grounded reports whether name, or one of its significant words, is
// mentioned in text.
func grounded(text, name string) bool {
	if entity.MentionedIn(text, name) {
		return true
	}
	for _, word := range strings.Fields(entity.NormalizeName(name)) {
		if groundingStopwords[word] {
			continue
		}
		if entity.MentionedIn(text, word) {
			return true
		}
	}
	return false
}
