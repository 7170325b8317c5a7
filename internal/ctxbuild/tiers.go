package ctxbuild

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
)

// tier1 selects the always-on entries: current location, protagonist, open
// beats (active before pending), inventory (equipped first) and "always"
// lorebook entries by priority. Only the MaxTier1 cap drops anything, in
// that order of precedence.
func (b *Builder) tier1(w entity.World) []Item {
	var out []Item

	if loc, ok := w.CurrentLocation(); ok {
		out = append(out, Item{
			ID: loc.ID, Kind: KindLocation, Name: loc.Name,
			Section: SectionCurrentLocation, Tier: 1,
			Line: currentLocationLine(loc, w),
		})
	}
	if pc, ok := w.Protagonist(); ok {
		out = append(out, Item{
			ID: pc.ID, Kind: KindCharacter, Name: pc.Name,
			Section: SectionCharacters, Tier: 1,
			Line: characterLine(pc),
		})
	}

	beats := w.OpenBeats()
	slices.SortStableFunc(beats, func(x, y entity.StoryBeat) int {
		if x.Status != y.Status {
			if x.Status == entity.BeatActive {
				return -1
			}
			if y.Status == entity.BeatActive {
				return 1
			}
		}
		return compareNames(x.Name, x.ID, y.Name, y.ID)
	})
	for _, bt := range beats {
		out = append(out, Item{
			ID: bt.ID, Kind: KindBeat, Name: bt.Name,
			Section: SectionThreads, Tier: 1,
			Line: beatLine(bt),
		})
	}

	inv := w.Inventory()
	slices.SortStableFunc(inv, func(x, y entity.Item) int {
		if x.Equipped != y.Equipped {
			if x.Equipped {
				return -1
			}
			return 1
		}
		return compareNames(x.Name, x.ID, y.Name, y.ID)
	})
	for _, it := range inv {
		out = append(out, Item{
			ID: it.ID, Kind: KindItem, Name: it.Name,
			Section: SectionInventory, Tier: 1,
			Line: itemLine(it),
		})
	}

	var always []entity.LorebookEntry
	for _, e := range w.Lorebook {
		if e.Injection.Mode == entity.InjectAlways {
			always = append(always, e)
		}
	}
	sortLore(always)
	for _, e := range always {
		out = append(out, loreItem(e, 1))
	}

	if len(out) > b.limits.MaxTier1 {
		b.log.Debug("ctxbuild: tier 1 truncated", "items", len(out), "max", b.limits.MaxTier1)
		out = out[:b.limits.MaxTier1]
	}
	return out
}

// candidate is a Tier 2 or Tier 3 candidate with the terms it is matched by.
type candidate struct {
	item  Item
	terms []string

	// names are the terms phonetic matching applies to; keywords are
	// matched literally only.
	names []string
}

// candidates lists the characters, locations and keyword lorebook entries
// not already taken. "never" lorebook entries are never candidates.
func candidates(w entity.World, taken map[string]bool, tier int) []candidate {
	var out []candidate
	for _, c := range w.Characters {
		if taken[c.ID] {
			continue
		}
		out = append(out, candidate{
			item: Item{
				ID: c.ID, Kind: KindCharacter, Name: c.Name,
				Section: SectionCharacters, Tier: tier,
				Line: characterLine(c),
			},
			terms: []string{c.Name},
			names: []string{c.Name},
		})
	}
	for _, l := range w.Locations {
		if taken[l.ID] || l.Current {
			continue
		}
		out = append(out, candidate{
			item: Item{
				ID: l.ID, Kind: KindLocation, Name: l.Name,
				Section: SectionPlaces, Tier: tier,
				Line: locationLine(l),
			},
			terms: []string{l.Name},
			names: []string{l.Name},
		})
	}
	for _, e := range w.Lorebook {
		if taken[e.ID] || e.Injection.Mode == entity.InjectNever || e.Injection.Mode == entity.InjectAlways {
			continue
		}
		out = append(out, candidate{
			item:  loreItem(e, tier),
			terms: e.Terms(),
			names: append([]string{e.Name}, e.Aliases...),
		})
	}
	return out
}

// tier2 selects candidates named in the scan text, plus candidates still
// inside the stickiness window. This turn's matches are recorded in the
// tracker before stickiness is evaluated.
func (b *Builder) tier2(req Request, taken map[string]bool) []Item {
	text := b.scanText(req)
	tracker := req.Activation

	matched := make(map[string]bool)
	cands := candidates(req.World, taken, 2)
	for _, c := range cands {
		if b.matches(c, text, req.UserInput) {
			matched[c.item.ID] = true
			if tracker != nil {
				tracker.Record(c.item.ID, req.Position)
			}
		}
	}

	type ranked struct {
		item Item
		last int
	}
	var sel []ranked
	for _, c := range cands {
		id := c.item.ID
		switch {
		case matched[id]:
			sel = append(sel, ranked{item: c.item, last: req.Position})
		case tracker != nil && tracker.Active(id, req.Position, b.limits.StickinessWindow):
			last, _ := tracker.Last(id)
			sel = append(sel, ranked{item: c.item, last: last})
		}
	}

	slices.SortStableFunc(sel, func(x, y ranked) int {
		if c := cmp.Compare(y.last, x.last); c != 0 {
			return c
		}
		if c := cmp.Compare(y.item.Priority, x.item.Priority); c != 0 {
			return c
		}
		return compareNames(x.item.Name, x.item.ID, y.item.Name, y.item.ID)
	})
	if len(sel) > b.limits.MaxTier2 {
		b.log.Debug("ctxbuild: tier 2 truncated", "items", len(sel), "max", b.limits.MaxTier2)
		sel = sel[:b.limits.MaxTier2]
	}

	if tracker != nil {
		tracker.Prune(req.Position, b.limits.StickinessWindow)
	}

	out := make([]Item, len(sel))
	for i, r := range sel {
		out[i] = r.item
	}
	return out
}

func (b *Builder) matches(c candidate, text, userInput string) bool {
	for _, t := range c.terms {
		if entity.MentionedIn(text, t) {
			return true
		}
	}
	if b.phonetic == nil || userInput == "" {
		return false
	}
	for _, n := range c.names {
		if b.phonetic.MatchesAny(userInput, n) {
			return true
		}
	}
	return false
}

// tier3 asks the curator to rank what tiers 1 and 2 left out. Unknown
// references are dropped; order is the curator's; at most MaxTier3 items.
func (b *Builder) tier3(ctx context.Context, req Request, taken map[string]bool) []Item {
	if b.curator == nil {
		return nil
	}
	cands := candidates(req.World, taken, 3)
	if len(cands) == 0 {
		return nil
	}
	items := make([]Item, len(cands))
	for i, c := range cands {
		items[i] = c.item
	}

	refs, err := b.curator.Curate(ctx, req, items, b.limits.MaxTier3)
	if err != nil {
		b.log.Warn("ctxbuild: tier 3 curation failed", "err", err)
		return nil
	}

	byID := make(map[string]int, len(items))
	byName := make(map[string]int, len(items))
	for i, it := range items {
		byID[it.ID] = i
		if _, dup := byName[entity.NormalizeName(it.Name)]; !dup {
			byName[entity.NormalizeName(it.Name)] = i
		}
	}

	var out []Item
	used := make(map[int]bool)
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		i, ok := byID[ref]
		if !ok {
			i, ok = byName[entity.NormalizeName(ref)]
		}
		if !ok || used[i] {
			continue
		}
		used[i] = true
		out = append(out, items[i])
		if len(out) == b.limits.MaxTier3 {
			break
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Lines
// ─────────────────────────────────────────────────────────────────────────────

func withDescription(head, desc string) string {
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" {
		return head
	}
	return head + ": " + desc
}

func currentLocationLine(l entity.Location, w entity.World) string {
	line := withDescription(l.Name, l.Description)
	if len(l.Connections) == 0 {
		return line
	}
	exits := make([]string, 0, len(l.Connections))
	for _, c := range l.Connections {
		exits = append(exits, w.LocationName(c))
	}
	return line + " (exits: " + strings.Join(exits, ", ") + ")"
}

func locationLine(l entity.Location) string {
	return withDescription(l.Name, l.Description)
}

func characterLine(c entity.Character) string {
	var tags []string
	switch {
	case c.IsProtagonist():
		tags = append(tags, "you")
	case c.Relationship != "":
		tags = append(tags, c.Relationship)
	}
	if c.Status == entity.StatusDeceased || c.Status == entity.StatusInactive {
		tags = append(tags, string(c.Status))
	}
	head := c.Name
	if len(tags) > 0 {
		head += " (" + strings.Join(tags, ", ") + ")"
	}
	line := withDescription(head, c.Description)
	if len(c.Traits) > 0 {
		line += " [" + strings.Join(c.Traits, ", ") + "]"
	}
	return line
}

func itemLine(it entity.Item) string {
	head := it.Name
	if it.Quantity > 1 {
		head += fmt.Sprintf(" x%d", it.Quantity)
	}
	if it.Equipped {
		head += " (equipped)"
	}
	return withDescription(head, it.Description)
}

func beatLine(bt entity.StoryBeat) string {
	return withDescription(fmt.Sprintf("%s [%s, %s]", bt.Name, bt.Type, bt.Status), bt.Description)
}

func loreItem(e entity.LorebookEntry, tier int) Item {
	head := e.Name
	if e.Type != "" {
		head += " (" + string(e.Type) + ")"
	}
	return Item{
		ID: e.ID, Kind: KindLore, Name: e.Name,
		Section: SectionLore, Tier: tier,
		Line:     withDescription(head, e.Description),
		Priority: e.Injection.Priority,
	}
}

func sortLore(entries []entity.LorebookEntry) {
	slices.SortStableFunc(entries, func(a, b entity.LorebookEntry) int {
		if c := cmp.Compare(b.Injection.Priority, a.Injection.Priority); c != 0 {
			return c
		}
		return compareNames(a.Name, a.ID, b.Name, b.ID)
	})
}

// compareNames orders by case-folded name, then exact name, then id.
func compareNames(aName, aID, bName, bID string) int {
	if c := cmp.Compare(strings.ToLower(aName), strings.ToLower(bName)); c != 0 {
		return c
	}
	if c := cmp.Compare(aName, bName); c != 0 {
		return c
	}
	return cmp.Compare(aID, bID)
}
