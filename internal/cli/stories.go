package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/surfacecoaster/Aventura-custom/internal/activation"
	"github.com/surfacecoaster/Aventura-custom/internal/ctxbuild"
	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/store"
	"github.com/surfacecoaster/Aventura-custom/internal/story"
)

// The commands in this file work on the store directly and need no LLM
// provider.

func init() {
	RootCmd.AddCommand(
		&cobra.Command{
			Use:   "stories",
			Short: "List stored stories",
			RunE:  runStories,
		},
		&cobra.Command{
			Use:   "chapters <story-id>",
			Short: "List a story's chapter summaries",
			Args:  requireArgs(1, "<story-id>"),
			RunE:  runChapters,
		},
		&cobra.Command{
			Use:   "context <story-id> [input...]",
			Short: "Show the world context the next turn would use",
			Long:  "Show the world context the next turn would use. Chapter retrieval runs only when an LLM provider is configured.",
			Args:  requireArgs(1, "<story-id> [input...]"),
			RunE:  runContext,
		},
		&cobra.Command{
			Use:   "import <story-id> <seed.yaml>",
			Short: "Import characters, locations, items, beats and lore from a YAML seed file",
			Args:  requireArgs(2, "<story-id> <seed.yaml>"),
			RunE:  runImport,
		},
	)
}

func runStories(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, _, _, err := bootstrap(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ids, err := a.Store().Stories(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runChapters(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, _, _, err := bootstrap(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	st, err := a.Store().Load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load story %q: %w", args[0], err)
	}
	printChapters(cmd.OutOrStdout(), st.Chapters)
	return nil
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, _, _, err := bootstrap(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	input := strings.Join(args[1:], " ")
	if eng, err := a.Engine(); err == nil {
		sess, err := eng.Session(ctx, args[0])
		if err != nil {
			return err
		}
		printContext(cmd.OutOrStdout(), sess.Preview(ctx, input))
		return nil
	}

	st, err := a.Store().Load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load story %q: %w", args[0], err)
	}
	tracker := activation.New()
	tracker.Load(st.Activation)
	res := a.Context().Build(ctx, ctxbuild.Request{
		World:         st.World,
		UserInput:     input,
		RecentEntries: st.Entries,
		Position:      story.TurnNumber(st.Entries) + 1,
		Activation:    tracker,
	})
	printContext(cmd.OutOrStdout(), res)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	storyID, path := args[0], args[1]

	seed, err := entity.LoadSeedFile(path)
	if err != nil {
		return err
	}

	a, _, log, err := bootstrap(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(a)

	n, err := importSeed(ctx, a.Store(), storyID, seed)
	if err != nil {
		return err
	}
	log.Info("seed imported", "story_id", storyID, "records", n)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d records into %s\n", n, storyID)
	return nil
}

// importSeed merges seed into the stored world of storyID, creating the story
// when it does not exist yet.
func importSeed(ctx context.Context, s store.Store, storyID string, seed *entity.SeedFile) (int, error) {
	st, err := s.Load(ctx, storyID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = store.NewState(storyID)
	case err != nil:
		return 0, fmt.Errorf("load story %q: %w", storyID, err)
	}

	world := entity.NewMemStoreFrom(st.World)
	n, err := entity.ImportSeed(ctx, world, seed)
	if err != nil {
		return n, err
	}
	st.World = world.Snapshot()
	if g := strings.TrimSpace(seed.Story.Genre); g != "" {
		st.Genre = g
	}
	if err := s.Save(ctx, st); err != nil {
		return n, fmt.Errorf("save story %q: %w", storyID, err)
	}
	return n, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Output
// ─────────────────────────────────────────────────────────────────────────────

func printChapters(w io.Writer, chapters []story.Chapter) {
	if len(chapters) == 0 {
		fmt.Fprintln(w, "no chapters yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTITLE\tENTRIES\tTONE")
	for _, ch := range chapters {
		fmt.Fprintf(tw, "%d\t%s\t%d-%d\t%s\n", ch.Number, ch.Title, ch.StartIndex, ch.EndIndex, ch.EmotionalTone)
	}
	tw.Flush()
	for _, ch := range chapters {
		fmt.Fprintf(w, "\nChapter %d: %s\n%s\n", ch.Number, ch.Title, ch.Summary)
	}
}

func printContext(w io.Writer, res ctxbuild.Result) {
	fmt.Fprintf(w, "tier1=%d tier2=%d tier3=%d\n\n", len(res.Tier1), len(res.Tier2), len(res.Tier3))
	if res.ContextBlock == "" {
		fmt.Fprintln(w, "(empty context)")
		return
	}
	fmt.Fprintln(w, res.ContextBlock)
}
