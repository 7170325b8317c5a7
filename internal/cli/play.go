package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/turn"
)

var (
	narrationColor = color.New(color.FgCyan)
	systemColor    = color.New(color.FgYellow)
	errorColor     = color.New(color.FgRed, color.Bold)
	promptColor    = color.New(color.FgGreen, color.Bold)
)

func init() {
	cmd := &cobra.Command{
		Use:   "play <story-id>",
		Short: "Play a story interactively",
		Long: `Play a story interactively. Each line is one player action. Commands:
  /retry            regenerate the last narration
  /chapters         list chapter summaries
  /context [text]   show the context the next turn would use
  /resummarize <n>  regenerate chapter n's summary
  /seed <file>      import a YAML seed file
  /quit             leave`,
		Args: requireArgs(1, "<story-id>"),
		RunE: runPlay,
	}

	RootCmd.AddCommand(cmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	application, _, _, err := bootstrap(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(application)

	eng, err := application.Engine()
	if err != nil {
		return err
	}
	sess, err := eng.Session(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	systemColor.Fprintf(out, "Story %q, %d entries, %d chapters. /quit to leave.\n",
		sess.ID(), len(sess.Entries()), len(sess.Chapters()))

	sink := func(chunk string) { narrationColor.Fprint(out, chunk) }
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		promptColor.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := playCommand(cmd, sess, line, sink)
			if err != nil {
				errorColor.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := sess.SubmitStream(ctx, line, sink); err != nil {
			fmt.Fprintln(out)
			reportTurnError(out, err)
			continue
		}
		fmt.Fprintln(out)
	}
}

// playCommand handles one slash command. It reports whether the loop should end.
func playCommand(cmd *cobra.Command, sess *turn.Session, line string, sink func(string)) (bool, error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/retry":
		if _, err := sess.Retry(ctx, sink); err != nil {
			fmt.Fprintln(out)
			reportTurnError(out, err)
			return false, nil
		}
		fmt.Fprintln(out)

	case "/chapters":
		printChapters(out, sess.Chapters())

	case "/context":
		printContext(out, sess.Preview(ctx, rest))

	case "/resummarize":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return false, fmt.Errorf("chapter number: %w", err)
		}
		ch, err := sess.Resummarize(ctx, n)
		if err != nil {
			return false, err
		}
		systemColor.Fprintf(out, "Chapter %d: %s\n", ch.Number, ch.Title)
		fmt.Fprintln(out, ch.Summary)

	case "/seed":
		seed, err := entity.LoadSeedFile(rest)
		if err != nil {
			return false, err
		}
		n, err := sess.ImportSeed(ctx, seed)
		if err != nil {
			return false, err
		}
		systemColor.Fprintf(out, "Imported %d records.\n", n)

	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func reportTurnError(out io.Writer, err error) {
	switch {
	case errors.Is(err, turn.ErrNarration):
		errorColor.Fprintf(out, "narration failed, the story was rolled back: %v\n", err)
		systemColor.Fprintln(out, "Send the action again or /retry.")
	case errors.Is(err, turn.ErrNoSnapshot):
		errorColor.Fprintln(out, "nothing to retry yet")
	default:
		errorColor.Fprintf(out, "error: %v\n", err)
	}
}
