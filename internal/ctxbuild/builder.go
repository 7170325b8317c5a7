// Package ctxbuild assembles the world-state context injected into every
// narration call.
//
// Selection runs in three tiers, each with its own cost and precision:
//
//  1. Deterministic: the current location, the protagonist, the inventory,
//     open story beats and lorebook entries marked "always". Pure filtering.
//  2. Matched: characters, locations and keyword lorebook entries named in
//     the player's input or the last few entries. Matches are recorded in an
//     [activation.Tracker]; entries matched recently stay in context for a
//     stickiness window so they do not flicker out mid-scene.
//  3. Curated: when a [Curator] is configured, a model picks further entries
//     from what tiers 1 and 2 left out. Best-effort; failure yields nothing.
//
// Rendering is pure and deterministic: identical input yields a
// byte-identical context block.
package ctxbuild

import (
	"context"
	"log/slog"
	"strings"

	"github.com/surfacecoaster/Aventura-custom/internal/activation"
	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Kind is the record type behind an [Item].
type Kind string

const (
	KindLocation  Kind = "location"
	KindCharacter Kind = "character"
	KindItem      Kind = "item"
	KindBeat      Kind = "beat"
	KindLore      Kind = "lore"
)

// Section is a header of the rendered context block.
type Section string

const (
	SectionCurrentLocation Section = "CURRENT LOCATION"
	SectionCharacters      Section = "KNOWN CHARACTERS"
	SectionInventory       Section = "INVENTORY"
	SectionThreads         Section = "ACTIVE THREADS"
	SectionPlaces          Section = "PLACES VISITED"
	SectionLore            Section = "LORE"
)

// sectionOrder is the fixed rendering order.
var sectionOrder = []Section{
	SectionCurrentLocation,
	SectionCharacters,
	SectionInventory,
	SectionThreads,
	SectionPlaces,
	SectionLore,
}

// Item is one selected context entry.
type Item struct {
	ID      string
	Kind    Kind
	Name    string
	Section Section

	// Tier is 1, 2 or 3.
	Tier int

	// Line is the rendered text, without the section header.
	Line string

	// Priority orders lorebook entries within a tier; 0 for world entities.
	Priority int
}

// Request is the input of one [Builder.Build] call.
type Request struct {
	World         entity.World
	UserInput     string
	RecentEntries []story.Entry

	// Position is the current turn number. Activations are recorded at and
	// measured from this position.
	Position int

	// Activation holds the story's activation state. Build records this
	// turn's matches in it. Nil disables stickiness.
	Activation *activation.Tracker

	// RetrievedContext is appended verbatim after the entity sections,
	// typically a chapter.BuildRetrievedContextBlock result.
	RetrievedContext string
}

// Result is the selected context.
type Result struct {
	Tier1 []Item
	Tier2 []Item
	Tier3 []Item

	// All is Tier1, Tier2 and Tier3 concatenated.
	All []Item

	ContextBlock string
}

// Limits bounds what the builder selects.
type Limits struct {
	// StickinessWindow is how many turns a matched entry stays in Tier 2
	// without being matched again.
	StickinessWindow int `yaml:"stickiness_window"`

	// RecentWindow is how many trailing entries are scanned for names.
	RecentWindow int `yaml:"recent_window"`

	MaxTier1 int `yaml:"max_tier1"`
	MaxTier2 int `yaml:"max_tier2"`
	MaxTier3 int `yaml:"max_tier3"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		StickinessWindow: activation.DefaultWindow,
		RecentWindow:     5,
		MaxTier1:         50,
		MaxTier2:         20,
		MaxTier3:         5,
	}
}

// Curator picks additional context entries from candidates. It returns
// candidate ids (or names) in its own ranking order.
type Curator interface {
	Curate(ctx context.Context, req Request, candidates []Item, limit int) ([]string, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Builder
// ─────────────────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Builder)

// WithLimits replaces the default limits. Non-positive fields keep their
// defaults.
func WithLimits(l Limits) Option {
	return func(b *Builder) {
		d := DefaultLimits()
		b.limits = Limits{
			StickinessWindow: positiveOr(l.StickinessWindow, d.StickinessWindow),
			RecentWindow:     positiveOr(l.RecentWindow, d.RecentWindow),
			MaxTier1:         positiveOr(l.MaxTier1, d.MaxTier1),
			MaxTier2:         positiveOr(l.MaxTier2, d.MaxTier2),
			MaxTier3:         positiveOr(l.MaxTier3, d.MaxTier3),
		}
	}
}

// WithCurator enables Tier 3.
func WithCurator(c Curator) Option {
	return func(b *Builder) { b.curator = c }
}

// WithPhoneticMatching makes Tier 2 also accept misspelled names in the
// player's input. A nil matcher uses the defaults.
func WithPhoneticMatching(m *PhoneticMatcher) Option {
	return func(b *Builder) {
		if m == nil {
			m = NewPhoneticMatcher()
		}
		b.phonetic = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// WithMetrics records selected item counts per tier on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// Builder selects and renders narration context. It holds no story state;
// per-story activation lives in [Request.Activation]. Safe for concurrent
// use across stories.
type Builder struct {
	limits   Limits
	curator  Curator
	phonetic *PhoneticMatcher
	log      *slog.Logger
	metrics  *observe.Metrics
}

// New returns a [Builder] with default limits and no curator.
func New(opts ...Option) *Builder {
	b := &Builder{
		limits: DefaultLimits(),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Limits returns the builder's effective limits.
func (b *Builder) Limits() Limits { return b.limits }

// Build selects the three tiers for req and renders the context block.
// Tier 2 matches are recorded in req.Activation. Build never fails; a
// curator error leaves Tier 3 empty.
func (b *Builder) Build(ctx context.Context, req Request) Result {
	ctx, span := observe.StartSpan(ctx, "ctxbuild.Build")
	defer span.End()

	tier1 := b.tier1(req.World)
	taken := make(map[string]bool, len(tier1))
	for _, it := range tier1 {
		taken[it.ID] = true
	}

	tier2 := b.tier2(req, taken)
	for _, it := range tier2 {
		taken[it.ID] = true
	}

	tier3 := b.tier3(ctx, req, taken)

	all := make([]Item, 0, len(tier1)+len(tier2)+len(tier3))
	all = append(all, tier1...)
	all = append(all, tier2...)
	all = append(all, tier3...)

	b.metrics.RecordContextItems(ctx, "tier1", len(tier1))
	b.metrics.RecordContextItems(ctx, "tier2", len(tier2))
	b.metrics.RecordContextItems(ctx, "tier3", len(tier3))

	return Result{
		Tier1:        tier1,
		Tier2:        tier2,
		Tier3:        tier3,
		All:          all,
		ContextBlock: Render(all, req.RetrievedContext),
	}
}

// scanText is the text Tier 2 looks for names in: the player's input and the
// trailing RecentWindow entries. Retry markers are skipped.
func (b *Builder) scanText(req Request) string {
	var sb strings.Builder
	sb.WriteString(req.UserInput)
	for _, e := range story.Tail(req.RecentEntries, b.limits.RecentWindow) {
		if e.Type == story.EntryRetry {
			continue
		}
		sb.WriteByte('\n')
		sb.WriteString(e.Content)
	}
	return sb.String()
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
