package entity_test

import (
	"context"
	"strings"
	"testing"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
)

const seedYAML = `
story:
  title: "The Drowned Bell"
  genre: "gothic fantasy"
characters:
  - name: "Mara"
    relationship: self
    traits: ["stubborn"]
  - name: "Father Aldous"
    relationship: mentor
locations:
  - name: "Saltmarsh Harbour"
  - name: "Drowned Chapel"
    current: true
items:
  - name: "Lantern"
    quantity: 1
  - name: "Bell Rope"
    location: "Drowned Chapel"
beats:
  - name: "Silence the bell"
    type: quest
    status: active
lorebook:
  - name: "The Tide Court"
    type: faction
    aliases: ["Tidewardens"]
    hidden_info: "They drowned the chapel on purpose."
    injection:
      mode: keyword
      keywords: ["court"]
      priority: 5
`

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	seed, err := entity.LoadSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("LoadSeed() error = %v", err)
	}
	if seed.Story.Title != "The Drowned Bell" {
		t.Errorf("Title = %q", seed.Story.Title)
	}
	if len(seed.Characters) != 2 || len(seed.Lorebook) != 1 {
		t.Fatalf("seed = %+v", seed)
	}
	if seed.Lorebook[0].Injection.Priority != 5 {
		t.Errorf("Priority = %d, want 5", seed.Lorebook[0].Injection.Priority)
	}
}

func TestLoadSeed_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := entity.LoadSeed(strings.NewReader("story:\n  titel: typo\n"))
	if err == nil {
		t.Fatal("LoadSeed() error = nil, want unknown-field error")
	}
}

func TestImportSeed(t *testing.T) {
	t.Parallel()

	seed, err := entity.LoadSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("LoadSeed() error = %v", err)
	}
	s := entity.NewMemStore("story-1")
	n, err := entity.ImportSeed(context.Background(), s, seed)
	if err != nil {
		t.Fatalf("ImportSeed() error = %v", err)
	}
	if n != 8 {
		t.Errorf("ImportSeed() = %d, want 8", n)
	}

	w := s.Snapshot()
	if err := entity.ValidateWorld(w); err != nil {
		t.Fatalf("ValidateWorld() error = %v", err)
	}
	cur, _ := w.CurrentLocation()
	if cur.Name != "Drowned Chapel" {
		t.Errorf("CurrentLocation() = %q, want Drowned Chapel", cur.Name)
	}
	if w.Lorebook[0].CreatedBy != entity.CreatedByImport {
		t.Errorf("CreatedBy = %q, want import", w.Lorebook[0].CreatedBy)
	}
	var rope entity.Item
	for _, it := range w.Items {
		if it.Name == "Bell Rope" {
			rope = it
		}
	}
	if rope.Location != cur.ID {
		t.Errorf("Bell Rope location = %q, want chapel id %q", rope.Location, cur.ID)
	}
	if rope.Quantity != 0 {
		t.Errorf("Bell Rope quantity = %d, want 0 as imported", rope.Quantity)
	}
}
