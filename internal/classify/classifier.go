// Package classify extracts named, plot-relevant entities from a narration
// turn and turns them into an [entity.Delta].
//
// The [Classifier] sends one JSON-only completion request per turn. It never
// fails the turn: transport errors, unparseable replies and invalid payloads
// are logged and produce an empty [Result]. The result is always a delta
// against the existing world, never a replacement. Entities the model reports
// as new but that already exist (case-insensitive name or id match) are moved
// to the update lists so "Elena" and "Elena the blacksmith's daughter" stay
// one character.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/llmjson"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
)

// Input is everything one classification pass looks at.
type Input struct {
	// Narrative is the model narration produced this turn.
	Narrative string

	// UserAction is the player's input that led to Narrative.
	UserAction string

	Characters []entity.Character
	Locations  []entity.Location
	Items      []entity.Item
	Beats      []entity.StoryBeat

	// Genre is passed to the model as a hint, e.g. "dark fantasy".
	Genre string
}

// InputFromWorld builds an Input from the current world state.
func InputFromWorld(w entity.World, narrative, action, genre string) Input {
	return Input{
		Narrative:  narrative,
		UserAction: action,
		Characters: w.Characters,
		Locations:  w.Locations,
		Items:      w.Items,
		Beats:      w.Beats,
		Genre:      genre,
	}
}

// Result is the classification delta for one turn. The zero value is the
// empty result returned on any failure.
type Result struct {
	NewCharacters     []entity.Character `json:"newCharacters"`
	NewLocations      []entity.Location  `json:"newLocations"`
	NewItems          []entity.Item      `json:"newItems"`
	NewStoryBeats     []entity.StoryBeat `json:"newStoryBeats"`
	UpdatedCharacters []entity.Character `json:"updatedCharacters"`
	UpdatedItems      []entity.Item      `json:"updatedItems"`
	UpdatedStoryBeats []entity.StoryBeat `json:"updatedStoryBeats"`

	// CurrentLocationName names where the protagonist is at the end of the
	// turn, or is empty when the scene did not move.
	CurrentLocationName string `json:"currentLocationName"`
}

// Empty reports whether r carries no change.
func (r Result) Empty() bool { return r.Delta().Empty() }

// Delta converts r into the merge input understood by [entity.ApplyDelta].
func (r Result) Delta() entity.Delta {
	return entity.Delta{
		NewCharacters:     r.NewCharacters,
		UpdatedCharacters: r.UpdatedCharacters,
		NewLocations:      r.NewLocations,
		NewItems:          r.NewItems,
		UpdatedItems:      r.UpdatedItems,
		NewStoryBeats:     r.NewStoryBeats,
		UpdatedStoryBeats: r.UpdatedStoryBeats,
		CurrentLocation:   r.CurrentLocationName,
	}
}

// Option is a functional option for configuring a [Classifier].
type Option func(*Classifier)

// WithModel overrides the provider's default model for classification calls.
func WithModel(model string) Option {
	return func(c *Classifier) { c.model = model }
}

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(c *Classifier) { c.temperature = temp }
}

// WithMaxTokens caps the reply length. Default: 2048.
func WithMaxTokens(n int) Option {
	return func(c *Classifier) { c.maxTokens = n }
}

// WithLogger sets the logger used for failure reports.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.log = l }
}

// WithMetrics records call latency and extracted entity counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithGrounding toggles the mention check that drops new characters and
// locations whose name does not occur in the turn text. Default: enabled.
func WithGrounding(enabled bool) Option {
	return func(c *Classifier) { c.grounding = enabled }
}

// Classifier extracts entities from narration. It is safe for concurrent use.
type Classifier struct {
	llm         llm.Provider
	model       string
	temperature float64
	maxTokens   int
	grounding   bool
	log         *slog.Logger
	metrics     *observe.Metrics
}

// New returns a [Classifier] backed by provider.
func New(provider llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		grounding:   true,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify runs one extraction pass over in. It always returns a usable
// Result; failures are logged and yield the empty result.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	if in.Narrative == "" && in.UserAction == "" {
		return Result{}
	}

	ctx, span := observe.StartSpan(ctx, "classify.Classify")
	defer span.End()

	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(in.Genre),
		Model:        c.model,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildUserMessage(in)},
		},
	}

	start := time.Now()
	res := llmjson.Complete[Result](ctx, c.llm, req)
	c.metrics.RecordLLMCall(ctx, "classify", time.Since(start), transportErr(res.Err))
	if !res.Ok() {
		c.log.Warn("classify: extraction failed, continuing with empty result",
			"err", res.Err,
			"reply_len", len(res.Raw),
		)
		return Result{}
	}

	out := normalize(res.Value, in, c.grounding)
	c.metrics.RecordClassified(ctx, "character", len(out.NewCharacters))
	c.metrics.RecordClassified(ctx, "location", len(out.NewLocations))
	c.metrics.RecordClassified(ctx, "item", len(out.NewItems))
	c.metrics.RecordClassified(ctx, "story_beat", len(out.NewStoryBeats))
	c.log.Debug("classify: extracted",
		"new_characters", len(out.NewCharacters),
		"new_locations", len(out.NewLocations),
		"new_items", len(out.NewItems),
		"new_beats", len(out.NewStoryBeats),
		"updates", len(out.UpdatedCharacters)+len(out.UpdatedItems)+len(out.UpdatedStoryBeats),
		"current_location", out.CurrentLocationName,
	)
	return out
}

// transportErr keeps only transport failures so parse errors do not count as
// provider errors.
func transportErr(err error) error {
	if errors.Is(err, llmjson.ErrTransport) {
		return err
	}
	return nil
}
