package api

import (
	"github.com/surfacecoaster/Aventura-custom/internal/ctxbuild"
	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
	"github.com/surfacecoaster/Aventura-custom/internal/turn"
)

type errorResponse struct {
	Error string `json:"error"`

	// Retryable is set when the story was rolled back and the turn can be
	// retried as is.
	Retryable bool `json:"retryable,omitempty"`
}

type storyResponse struct {
	ID           string             `json:"id"`
	Genre        string             `json:"genre,omitempty"`
	Entries      []story.Entry      `json:"entries"`
	World        entity.World       `json:"world"`
	Chapters     []story.Chapter    `json:"chapters"`
	MemoryConfig story.MemoryConfig `json:"memoryConfig"`
	Degraded     bool               `json:"degraded"`
}

type turnResponse struct {
	Action    story.Entry `json:"action"`
	Narration story.Entry `json:"narration"`
	Position  int         `json:"position"`

	RetrievedChapterIDs []string        `json:"retrievedChapterIds"`
	Context             contextResponse `json:"context"`

	DurationMS int64 `json:"durationMs"`
}

func newTurnResponse(res turn.TurnResult) turnResponse {
	return turnResponse{
		Action:              res.Action,
		Narration:           res.Narration,
		Position:            res.Position,
		RetrievedChapterIDs: orEmpty(res.Retrieval.IDs),
		Context:             newContextResponse(res.Context),
		DurationMS:          res.Duration.Milliseconds(),
	}
}

type itemResponse struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Section string `json:"section"`
	Tier    int    `json:"tier"`
	Line    string `json:"line"`
}

type contextResponse struct {
	Tier1        []itemResponse `json:"tier1"`
	Tier2        []itemResponse `json:"tier2"`
	Tier3        []itemResponse `json:"tier3"`
	ContextBlock string         `json:"contextBlock"`
}

func newContextResponse(res ctxbuild.Result) contextResponse {
	return contextResponse{
		Tier1:        items(res.Tier1),
		Tier2:        items(res.Tier2),
		Tier3:        items(res.Tier3),
		ContextBlock: res.ContextBlock,
	}
}

func items(in []ctxbuild.Item) []itemResponse {
	out := make([]itemResponse, len(in))
	for i, it := range in {
		out[i] = itemResponse{
			ID:      it.ID,
			Kind:    string(it.Kind),
			Name:    it.Name,
			Section: string(it.Section),
			Tier:    it.Tier,
			Line:    it.Line,
		}
	}
	return out
}

// streamLine is one NDJSON line of a streamed turn. Exactly one field is set.
type streamLine struct {
	Chunk string        `json:"chunk,omitempty"`
	Turn  *turnResponse `json:"turn,omitempty"`
	Error string        `json:"error,omitempty"`
}
