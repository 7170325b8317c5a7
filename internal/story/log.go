package story

import "slices"

// CloneEntries returns a copy of entries. Entries are values, so a shallow
// slice copy is a deep copy.
func CloneEntries(entries []Entry) []Entry {
	return slices.Clone(entries)
}

// CloneChapters returns a deep copy of chapters.
func CloneChapters(chapters []Chapter) []Chapter {
	if chapters == nil {
		return nil
	}
	out := make([]Chapter, len(chapters))
	for i, c := range chapters {
		out[i] = c.Clone()
	}
	return out
}

// Tail returns the last n entries of entries (all of them when n exceeds
// the length, none when n <= 0).
func Tail(entries []Entry, n int) []Entry {
	if n <= 0 {
		return nil
	}
	if n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// NextPosition returns the position the next appended entry receives.
func NextPosition(entries []Entry) int {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Position + 1
}

// ChapterByNumber returns the chapter with the given number.
func ChapterByNumber(chapters []Chapter, number int) (Chapter, bool) {
	for _, c := range chapters {
		if c.Number == number {
			return c, true
		}
	}
	return Chapter{}, false
}

// TurnNumber returns the number of player actions in entries. Activation
// windows are measured in turns, so narration length does not change how
// long an entity stays in context.
func TurnNumber(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Type == EntryUserAction {
			n++
		}
	}
	return n
}
