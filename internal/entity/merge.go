package entity

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// newID generates entity ids. Replaced in tests that need stable ids.
var newID = uuid.NewString

// Delta is the structured change a classification pass proposes. It never
// replaces the world; [ApplyDelta] merges it.
type Delta struct {
	NewCharacters     []Character     `json:"newCharacters"`
	UpdatedCharacters []Character     `json:"updatedCharacters"`
	NewLocations      []Location      `json:"newLocations"`
	NewItems          []Item          `json:"newItems"`
	UpdatedItems      []Item          `json:"updatedItems"`
	NewStoryBeats     []StoryBeat     `json:"newStoryBeats"`
	UpdatedStoryBeats []StoryBeat     `json:"updatedStoryBeats"`
	NewLore           []LorebookEntry `json:"newLore"`

	// CurrentLocation names the location the protagonist ends the turn in,
	// or is empty when the scene did not move.
	CurrentLocation string `json:"currentLocation"`
}

// Empty reports whether d proposes no change.
func (d Delta) Empty() bool {
	return len(d.NewCharacters) == 0 && len(d.UpdatedCharacters) == 0 &&
		len(d.NewLocations) == 0 && len(d.NewItems) == 0 && len(d.UpdatedItems) == 0 &&
		len(d.NewStoryBeats) == 0 && len(d.UpdatedStoryBeats) == 0 &&
		len(d.NewLore) == 0 && d.CurrentLocation == ""
}

// Size returns the number of entity records in d.
func (d Delta) Size() int {
	return len(d.NewCharacters) + len(d.UpdatedCharacters) + len(d.NewLocations) +
		len(d.NewItems) + len(d.UpdatedItems) + len(d.NewStoryBeats) +
		len(d.UpdatedStoryBeats) + len(d.NewLore)
}

// MergeReport counts what [ApplyDelta] did.
type MergeReport struct {
	Added   int
	Updated int

	// Skipped counts records that were dropped: empty names, updates that
	// matched nothing.
	Skipped int

	// Moved is true when the current location changed.
	Moved bool
}

// ApplyDelta merges d into w and returns the new world. w is not modified.
//
// Incoming records are matched against existing ones by id, then by name
// ([SameName]), so re-applying the same delta never duplicates an entity.
// A match refines the existing record instead of adding a new one. Updates
// that match nothing are skipped. position is the story position of the
// narration the delta came from and seeds lorebook telemetry.
func ApplyDelta(w World, d Delta, position int) (World, MergeReport) {
	out := w.Clone()
	var rep MergeReport

	for _, c := range d.NewCharacters {
		if out.mergeCharacter(c, true, &rep) {
			out.mirrorCharacterLore(c, position)
		}
	}
	for _, c := range d.UpdatedCharacters {
		out.mergeCharacter(c, false, &rep)
	}
	for _, l := range d.NewLocations {
		out.mergeLocation(l, &rep)
	}
	for _, it := range d.NewItems {
		out.mergeItem(it, true, &rep)
	}
	for _, it := range d.UpdatedItems {
		out.mergeItem(it, false, &rep)
	}
	for _, b := range d.NewStoryBeats {
		out.mergeBeat(b, true, &rep)
	}
	for _, b := range d.UpdatedStoryBeats {
		out.mergeBeat(b, false, &rep)
	}
	for _, e := range d.NewLore {
		out.mergeLore(e, position, &rep)
	}
	if d.CurrentLocation != "" {
		rep.Moved = out.moveTo(d.CurrentLocation, &rep)
	}
	out.ensureCurrent()
	return out, rep
}

// mergeCharacter reports whether in was added as a new character.
func (w *World) mergeCharacter(in Character, allowAdd bool, rep *MergeReport) bool {
	if strings.TrimSpace(in.Name) == "" {
		rep.Skipped++
		return false
	}
	i := w.matchCharacter(in)
	if i < 0 {
		if !allowAdd {
			rep.Skipped++
			return false
		}
		c := in
		c.ID = newID()
		c.StoryID = w.StoryID
		c.Traits = dedupeFold(in.Traits)
		if !c.Status.IsValid() {
			c.Status = StatusActive
		}
		if c.IsProtagonist() {
			if _, ok := w.Protagonist(); ok {
				c.Relationship = ""
			}
		}
		w.Characters = append(w.Characters, c)
		rep.Added++
		return true
	}

	cur := w.Characters[i]
	next := cur
	next.Description = refineText(cur.Description, in.Description)
	next.Traits = unionFold(cur.Traits, in.Traits)
	if in.Relationship != "" && in.Relationship != RelationshipSelf && !cur.IsProtagonist() {
		next.Relationship = in.Relationship
	}
	if in.Status.IsValid() {
		next.Status = in.Status
	}
	if !characterEqual(cur, next) {
		w.Characters[i] = next
		rep.Updated++
	}
	return false
}

// mirrorCharacterLore gives a newly discovered character a keyword-injected
// lorebook entry. An entry of the same name is refined, never duplicated.
// The mirror is not counted in the merge report.
func (w *World) mirrorCharacterLore(c Character, position int) {
	if c.IsProtagonist() {
		return
	}
	var scratch MergeReport
	w.mergeLore(LorebookEntry{
		Name:        strings.TrimSpace(c.Name),
		Type:        LoreCharacter,
		Description: c.Description,
		Injection:   Injection{Mode: InjectKeyword},
	}, position, &scratch)
}

func (w *World) matchCharacter(in Character) int {
	if in.ID != "" {
		if i := indexOf(w.Characters, in.ID); i >= 0 {
			return i
		}
	}
	for i, c := range w.Characters {
		if SameName(c.Name, in.Name) {
			return i
		}
	}
	return -1
}

func (w *World) mergeLocation(in Location, rep *MergeReport) {
	if strings.TrimSpace(in.Name) == "" {
		rep.Skipped++
		return
	}
	i := w.matchLocation(in.ID, in.Name)
	if i < 0 {
		l := in
		l.ID = newID()
		l.StoryID = w.StoryID
		l.Current = false
		l.Connections = dedupeFold(in.Connections)
		w.Locations = append(w.Locations, l)
		rep.Added++
		return
	}
	cur := w.Locations[i]
	next := cur
	next.Description = refineText(cur.Description, in.Description)
	next.Connections = unionFold(cur.Connections, in.Connections)
	next.Visited = cur.Visited || in.Visited
	if !locationEqual(cur, next) {
		w.Locations[i] = next
		rep.Updated++
	}
}

func (w *World) matchLocation(id, name string) int {
	if id != "" {
		if i := indexOf(w.Locations, id); i >= 0 {
			return i
		}
	}
	for i, l := range w.Locations {
		if SameName(l.Name, name) {
			return i
		}
	}
	return -1
}

// moveTo marks the named location current, creating it when unknown.
func (w *World) moveTo(name string, rep *MergeReport) bool {
	i := w.matchLocation("", name)
	if i < 0 {
		w.Locations = append(w.Locations, Location{
			ID:      newID(),
			StoryID: w.StoryID,
			Name:    strings.TrimSpace(name),
		})
		i = len(w.Locations) - 1
		rep.Added++
	}
	if w.Locations[i].Current {
		return false
	}
	for j := range w.Locations {
		w.Locations[j].Current = j == i
	}
	w.Locations[i].Visited = true
	return true
}

// ensureCurrent restores the exactly-one-current invariant: with no current
// location the first one becomes current; with several, the first wins.
func (w *World) ensureCurrent() {
	if len(w.Locations) == 0 {
		return
	}
	found := false
	for i := range w.Locations {
		if w.Locations[i].Current {
			if found {
				w.Locations[i].Current = false
			}
			found = true
		}
	}
	if !found {
		w.Locations[0].Current = true
		w.Locations[0].Visited = true
	}
}

func (w *World) mergeItem(in Item, allowAdd bool, rep *MergeReport) {
	if strings.TrimSpace(in.Name) == "" {
		rep.Skipped++
		return
	}
	loc := w.resolveItemLocation(in.Location)

	i := -1
	if in.ID != "" {
		i = indexOf(w.Items, in.ID)
	}
	if i < 0 {
		for j, it := range w.Items {
			if SameName(it.Name, in.Name) {
				i = j
				break
			}
		}
	}
	if i < 0 {
		if !allowAdd {
			rep.Skipped++
			return
		}
		it := in
		it.ID = newID()
		it.StoryID = w.StoryID
		it.Location = loc
		if it.Location == "" {
			it.Location = InventoryLocation
		}
		if it.Quantity <= 0 {
			it.Quantity = 1
		}
		w.Items = append(w.Items, it)
		rep.Added++
		return
	}

	cur := w.Items[i]
	next := cur
	next.Description = refineText(cur.Description, in.Description)
	if in.Quantity > 0 {
		next.Quantity = in.Quantity
	}
	if loc != "" {
		next.Location = loc
	}
	// Only explicit updates may unequip; a re-mention as "new" never does.
	if !allowAdd || in.Equipped {
		next.Equipped = in.Equipped
	}
	if next != cur {
		w.Items[i] = next
		rep.Updated++
	}
}

// resolveItemLocation maps a classifier-supplied location (a name, an id or
// the inventory sentinel) onto the stored form.
func (w *World) resolveItemLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.EqualFold(loc, InventoryLocation) {
		return InventoryLocation
	}
	if i := w.matchLocation(loc, loc); i >= 0 {
		return w.Locations[i].ID
	}
	return ""
}

func (w *World) mergeBeat(in StoryBeat, allowAdd bool, rep *MergeReport) {
	if strings.TrimSpace(in.Name) == "" {
		rep.Skipped++
		return
	}
	i := -1
	if in.ID != "" {
		i = indexOf(w.Beats, in.ID)
	}
	if i < 0 {
		for j, b := range w.Beats {
			if SameName(b.Name, in.Name) {
				i = j
				break
			}
		}
	}
	if i < 0 {
		if !allowAdd {
			rep.Skipped++
			return
		}
		b := in
		b.ID = newID()
		b.StoryID = w.StoryID
		if !b.Type.IsValid() {
			b.Type = BeatEvent
		}
		if !b.Status.IsValid() {
			b.Status = BeatActive
		}
		w.Beats = append(w.Beats, b)
		rep.Added++
		return
	}
	cur := w.Beats[i]
	next := cur
	next.Description = refineText(cur.Description, in.Description)
	if in.Status.IsValid() {
		next.Status = in.Status
	}
	if next != cur {
		w.Beats[i] = next
		rep.Updated++
	}
}

func (w *World) mergeLore(in LorebookEntry, position int, rep *MergeReport) {
	if strings.TrimSpace(in.Name) == "" {
		rep.Skipped++
		return
	}
	i := w.matchLore(in)
	if i < 0 {
		e := in
		e.ID = newID()
		e.StoryID = w.StoryID
		e.Aliases = dedupeFold(in.Aliases)
		if !e.Type.IsValid() {
			e.Type = LoreConcept
		}
		if !e.Injection.Mode.IsValid() {
			e.Injection.Mode = InjectKeyword
		}
		e.CreatedBy = CreatedByAI
		e.FirstMentioned = position
		e.LastMentioned = position
		e.MentionCount = 1
		w.Lorebook = append(w.Lorebook, e)
		rep.Added++
		return
	}
	cur := w.Lorebook[i]
	next := cur
	next.Description = refineText(cur.Description, in.Description)
	next.Aliases = unionFold(cur.Aliases, in.Aliases)
	if !slices.Equal(cur.Aliases, next.Aliases) || cur.Description != next.Description {
		w.Lorebook[i] = next
		rep.Updated++
	}
}

func (w *World) matchLore(in LorebookEntry) int {
	if in.ID != "" {
		if i := indexOf(w.Lorebook, in.ID); i >= 0 {
			return i
		}
	}
	for i, e := range w.Lorebook {
		if SameName(e.Name, in.Name) {
			return i
		}
		for _, a := range e.Aliases {
			if SameName(a, in.Name) {
				return i
			}
		}
	}
	return -1
}

// TouchLore returns w with mention telemetry updated for every lorebook entry
// whose name, alias or keyword occurs in text. Touching twice at the same
// position counts once.
func TouchLore(w World, text string, position int) World {
	out := w.Clone()
	lower := strings.ToLower(text)
	for i, e := range out.Lorebook {
		if !mentionedAny(lower, e.Terms()) {
			continue
		}
		if e.MentionCount == 0 || e.FirstMentioned < 0 || e.FirstMentioned > position {
			e.FirstMentioned = position
		}
		if e.MentionCount == 0 || e.LastMentioned < position {
			e.LastMentioned = position
			e.MentionCount++
		}
		out.Lorebook[i] = e
	}
	return out
}

func mentionedAny(lowerText string, terms []string) bool {
	for _, t := range terms {
		t = matchTerm(t)
		if len(t) >= minTermLen && mentionedLower(lowerText, t) {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// refineText keeps the richer of two descriptions. Equal-length rewrites are
// ignored so repeated classification of the same text is stable.
func refineText(cur, in string) string {
	in = strings.TrimSpace(in)
	if len(in) > len(cur) {
		return in
	}
	return cur
}

// unionFold appends the elements of add not already in base, comparing
// case-insensitively. Order is preserved.
func unionFold(base, add []string) []string {
	out := slices.Clone(base)
	for _, a := range add {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !slices.ContainsFunc(out, func(s string) bool { return strings.EqualFold(s, a) }) {
			out = append(out, a)
		}
	}
	return out
}

func dedupeFold(s []string) []string {
	if len(s) == 0 {
		return s
	}
	return unionFold(nil, s)
}

func characterEqual(a, b Character) bool {
	return a.Description == b.Description && a.Relationship == b.Relationship &&
		a.Status == b.Status && slices.Equal(a.Traits, b.Traits)
}

func locationEqual(a, b Location) bool {
	return a.Description == b.Description && a.Visited == b.Visited &&
		slices.Equal(a.Connections, b.Connections)
}
