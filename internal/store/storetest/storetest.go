// Package storetest is a conformance suite every [store.Store]
// implementation runs from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

// Fixture returns a populated state for storyID. Timestamps are UTC at
// microsecond precision, which every backend round-trips exactly.
func Fixture(storyID string) store.State {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	st := store.NewState(storyID)
	st.Genre = "dark fantasy"
	st.Config.ChapterThreshold = 20
	st.Activation = map[string]int{"c-elena": 3, "lo-court": 1}

	for i, e := range []struct {
		typ     story.EntryType
		content string
	}{
		{story.EntryUserAction, "I ask the woman what is wrong."},
		{story.EntryNarration, "Elena hands you an ancient amulet."},
		{story.EntryUserAction, "I take it."},
		{story.EntryNarration, "The amulet is warm."},
	} {
		st.Entries = append(st.Entries, story.Entry{
			ID:        storyID + "-e" + string(rune('0'+i)),
			StoryID:   storyID,
			Type:      e.typ,
			Content:   e.content,
			Position:  i,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}

	st.World = entity.World{
		StoryID: storyID,
		Characters: []entity.Character{
			{ID: "c-pc", StoryID: storyID, Name: "Aria", Relationship: entity.RelationshipSelf, Status: entity.StatusActive},
			{ID: "c-elena", StoryID: storyID, Name: "Elena", Description: "A worried villager", Relationship: "ally", Traits: []string{"anxious"}, Status: entity.StatusActive},
		},
		Locations: []entity.Location{
			{ID: "l-mill", StoryID: storyID, Name: "Mill Road", Current: true, Visited: true, Connections: []string{"l-forest"}},
			{ID: "l-forest", StoryID: storyID, Name: "Whispering Forest"},
		},
		Items: []entity.Item{
			{ID: "i-amulet", StoryID: storyID, Name: "Ancient Amulet", Quantity: 1, Location: entity.InventoryLocation},
		},
		Beats: []entity.StoryBeat{
			{ID: "b-brother", StoryID: storyID, Name: "Find Elena's brother", Type: entity.BeatQuest, Status: entity.BeatActive},
		},
		Lorebook: []entity.LorebookEntry{{
			ID:             "lo-court",
			StoryID:        storyID,
			Name:           "Tide Court",
			Type:           entity.LoreFaction,
			Aliases:        []string{"the Court"},
			Description:    "Rulers of the coast.",
			HiddenInfo:     "They sold the brother.",
			State:          map[string]any{"hostile": true},
			Injection:      entity.Injection{Mode: entity.InjectKeyword, Keywords: []string{"herald"}, Priority: 2},
			FirstMentioned: 1,
			LastMentioned:  3,
			MentionCount:   2,
			CreatedBy:      entity.CreatedByAI,
		}},
	}

	st.Chapters = []story.Chapter{{
		ID:            storyID + "-ch1",
		StoryID:       storyID,
		Number:        1,
		Title:         "The Amulet",
		Summary:       "Elena gave Aria an amulet.",
		StartEntryID:  storyID + "-e0",
		EndEntryID:    storyID + "-e1",
		StartIndex:    0,
		EndIndex:      2,
		EntryCount:    2,
		Keywords:      []string{"amulet"},
		Characters:    []string{"Elena"},
		Locations:     []string{"Mill Road"},
		PlotThreads:   []string{"missing brother"},
		EmotionalTone: "uneasy",
		Embedding:     []float32{0.1, 0.2, 0.3, 0.4},
		CreatedAt:     t0,
		UpdatedAt:     t0.Add(time.Hour),
	}}
	return st
}

// Run exercises open's store against the [store.Store] contract. open must
// return a fresh, empty store; Run closes it.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("LoadMissing", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Load() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		want := Fixture("s1")
		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, err := s.Load(ctx, "s1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		assertEqual(t, got, want)
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		full := Fixture("s1")
		if err := s.Save(ctx, full); err != nil {
			t.Fatalf("Save(full) error = %v", err)
		}

		// A restored pre-turn snapshot has fewer entries and entities; nothing
		// of the later save may survive.
		before := full.Clone()
		before.Entries = before.Entries[:2]
		before.World.Items = nil
		before.World.Lorebook = nil
		before.Chapters = nil
		before.Activation = map[string]int{"c-elena": 1}
		if err := s.Save(ctx, before); err != nil {
			t.Fatalf("Save(before) error = %v", err)
		}
		got, err := s.Load(ctx, "s1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		assertEqual(t, got, before)
	})

	t.Run("StoriesIsolated", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		for _, id := range []string{"s2", "s1"} {
			if err := s.Save(ctx, Fixture(id)); err != nil {
				t.Fatalf("Save(%s) error = %v", id, err)
			}
		}
		ids, err := s.Stories(ctx)
		if err != nil {
			t.Fatalf("Stories() error = %v", err)
		}
		if want := []string{"s1", "s2"}; !reflect.DeepEqual(ids, want) {
			t.Errorf("Stories() = %v, want %v", ids, want)
		}

		empty := store.NewState("s2")
		if err := s.Save(ctx, empty); err != nil {
			t.Fatalf("Save(empty) error = %v", err)
		}
		got, err := s.Load(ctx, "s1")
		if err != nil {
			t.Fatalf("Load(s1) error = %v", err)
		}
		assertEqual(t, got, Fixture("s1"))
	})

	t.Run("Settings", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if _, err := s.Setting(ctx, "s1", "theme"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Setting() error = %v, want ErrNotFound", err)
		}
		if err := s.PutSetting(ctx, "s1", "theme", "noir"); err != nil {
			t.Fatalf("PutSetting() error = %v", err)
		}
		if err := s.Save(ctx, Fixture("s1")); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if v, err := s.Setting(ctx, "s1", "theme"); err != nil || v != "noir" {
			t.Errorf("Setting(theme) = %q, %v; want noir", v, err)
		}
		if v, err := s.Setting(ctx, "s1", store.SettingGenre); err != nil || v != "dark fantasy" {
			t.Errorf("Setting(genre) = %q, %v; want dark fantasy", v, err)
		}
	})
}

// assertEqual compares states through their JSON form, which is what every
// backend persists.
func assertEqual(t *testing.T, got, want store.State) {
	t.Helper()
	g, err := json.MarshalIndent(got, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	w, err := json.MarshalIndent(want, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if string(g) != string(w) {
		t.Errorf("loaded state differs\ngot:\n%s\nwant:\n%s", g, w)
	}
}
