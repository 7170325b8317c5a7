package entity

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the top-level structure of a story seed YAML file: the world a
// story starts from, written by hand or exported from another tool.
//
// Example:
//
//	story:
//	  title: "The Drowned Bell"
//	  genre: "gothic fantasy"
//	characters:
//	  - name: "Mara"
//	    relationship: self
//	locations:
//	  - name: "Saltmarsh Harbour"
//	    current: true
//	lorebook:
//	  - name: "The Tide Court"
//	    type: faction
//	    injection: {mode: keyword, keywords: ["court", "tidewardens"]}
type SeedFile struct {
	Story      SeedMeta        `yaml:"story"`
	Characters []Character     `yaml:"characters"`
	Locations  []Location      `yaml:"locations"`
	Items      []Item          `yaml:"items"`
	Beats      []StoryBeat     `yaml:"beats"`
	Lorebook   []LorebookEntry `yaml:"lorebook"`
}

// SeedMeta holds top-level metadata for a story.
type SeedMeta struct {
	Title       string `yaml:"title"`
	Genre       string `yaml:"genre"`
	Description string `yaml:"description"`
}

// World converts the seed into a [World] for storyID.
func (f *SeedFile) World(storyID string) World {
	return World{
		StoryID:    storyID,
		Characters: f.Characters,
		Locations:  f.Locations,
		Items:      f.Items,
		Beats:      f.Beats,
		Lorebook:   f.Lorebook,
	}
}

// LoadSeedFile reads and parses a seed YAML file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("entity: open seed file %q: %w", path, err)
	}
	defer f.Close()

	sf, err := LoadSeed(f)
	if err != nil {
		return nil, fmt.Errorf("entity: parse seed file %q: %w", path, err)
	}
	return sf, nil
}

// LoadSeed parses seed YAML from an [io.Reader]. Unknown keys are rejected
// to catch typos.
func LoadSeed(r io.Reader) (*SeedFile, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("entity: decode seed yaml: %w", err)
	}
	return &sf, nil
}

// ImportSeed adds every entity in seed to store. Returns the number of
// records imported; an error aborts the import and returns the count so far.
func ImportSeed(ctx context.Context, store *MemStore, seed *SeedFile) (int, error) {
	if seed == nil {
		return 0, fmt.Errorf("entity: seed must not be nil")
	}
	n, err := store.BulkImport(ctx, seed.World(store.Snapshot().StoryID))
	if err != nil {
		return n, fmt.Errorf("entity: import seed %q: %w", seed.Story.Title, err)
	}
	return n, nil
}
