// Package story holds the types shared by every stage of the narrative
// memory pipeline: the append-only entry log, chapters, and the per-story
// memory configuration.
package story

import (
	"errors"
	"fmt"
	"time"
)

// EntryType classifies a StoryEntry.
type EntryType string

const (
	EntryUserAction EntryType = "user_action"
	EntryNarration  EntryType = "narration"
	EntrySystem     EntryType = "system"
	EntryRetry      EntryType = "retry"
)

// IsValid reports whether t is a known entry type.
func (t EntryType) IsValid() bool {
	switch t {
	case EntryUserAction, EntryNarration, EntrySystem, EntryRetry:
		return true
	}
	return false
}

// Entry is one immutable record in a story's append-only log. The log is the
// single source of truth for what happened; every other record is derived
// from it.
type Entry struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	Type      EntryType `json:"type"`
	Content   string    `json:"content"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chapter is a compressed summary of the half-open entry range
// [StartIndex, EndIndex) of a story's log.
type Chapter struct {
	ID      string `json:"id"`
	StoryID string `json:"storyId"`

	// Number is 1-based and increases by one per chapter.
	Number int    `json:"number"`
	Title  string `json:"title"`

	Summary string `json:"summary"`

	StartEntryID string `json:"startEntryId"`
	EndEntryID   string `json:"endEntryId"`
	StartIndex   int    `json:"startIndex"`
	EndIndex     int    `json:"endIndex"`
	EntryCount   int    `json:"entryCount"`

	Keywords      []string `json:"keywords"`
	Characters    []string `json:"characters"`
	Locations     []string `json:"locations"`
	PlotThreads   []string `json:"plotThreads"`
	EmotionalTone string   `json:"emotionalTone"`

	// Embedding is the summary's vector when an embeddings provider is
	// configured; nil otherwise.
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of c.
func (c Chapter) Clone() Chapter {
	c.Keywords = cloneStrings(c.Keywords)
	c.Characters = cloneStrings(c.Characters)
	c.Locations = cloneStrings(c.Locations)
	c.PlotThreads = cloneStrings(c.PlotThreads)
	if c.Embedding != nil {
		c.Embedding = append([]float32(nil), c.Embedding...)
	}
	return c
}

// LastChapterEnd returns the end index of the highest-numbered chapter, or 0
// when there are no chapters.
func LastChapterEnd(chapters []Chapter) int {
	end, num := 0, 0
	for _, c := range chapters {
		if c.Number > num {
			num, end = c.Number, c.EndIndex
		}
	}
	return end
}

// MemoryConfig is the per-story chapter memory configuration.
type MemoryConfig struct {
	// ChapterThreshold is the number of entries past the previous chapter end
	// before a new chapter becomes eligible.
	ChapterThreshold int `json:"chapterThreshold" yaml:"chapter_threshold"`

	// ChapterBuffer is the number of trailing entries that are never
	// compressed, so recent turns stay available verbatim.
	ChapterBuffer int `json:"chapterBuffer" yaml:"chapter_buffer"`

	AutoSummarize           bool `json:"autoSummarize" yaml:"auto_summarize"`
	EnableRetrieval         bool `json:"enableRetrieval" yaml:"enable_retrieval"`
	MaxChaptersPerRetrieval int  `json:"maxChaptersPerRetrieval" yaml:"max_chapters_per_retrieval"`
}

// DefaultMemoryConfig returns the configuration new stories start with.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ChapterThreshold:        50,
		ChapterBuffer:           10,
		AutoSummarize:           true,
		EnableRetrieval:         true,
		MaxChaptersPerRetrieval: 3,
	}
}

// Validate reports every out-of-range field at once.
func (c MemoryConfig) Validate() error {
	var errs []error
	if c.ChapterThreshold < 1 {
		errs = append(errs, fmt.Errorf("chapter_threshold must be >= 1, got %d", c.ChapterThreshold))
	}
	if c.ChapterBuffer < 0 {
		errs = append(errs, fmt.Errorf("chapter_buffer must be >= 0, got %d", c.ChapterBuffer))
	}
	if c.MaxChaptersPerRetrieval < 1 {
		errs = append(errs, fmt.Errorf("max_chapters_per_retrieval must be >= 1, got %d", c.MaxChaptersPerRetrieval))
	}
	return errors.Join(errs...)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
