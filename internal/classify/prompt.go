package classify

import (
	"fmt"
	"strings"
)

// systemPromptTemplate is the extraction instruction. The genre hint is
// substituted at call time.
const systemPromptTemplate = `You are the world-state tracker for an interactive fiction story%s.

Your task: read one story turn (the player's action and the narration that followed) and report which story entities it introduces or changes.

Rules:
- Extract ONLY named, plot-relevant entities: characters with a name or a unique title, places the story moves to or that matter to the plot, items the protagonist obtains or that carry plot weight, and quest, revelation or event beats.
- NEVER invent entities, names or details that are not stated in the turn.
- NEVER extract background flavour: unnamed crowds, passing scenery, ordinary furniture or food.
- An entity that appears in the EXISTING lists below must be reported in the matching "updated" list using its existing name (or id), never as new.
- Report the protagonist's location at the end of the turn in currentLocationName only when the scene moved; otherwise use an empty string.
- Items handed to or picked up by the protagonist use location "inventory".
- Prefer short canonical names ("Elena", not "Elena the blacksmith's daughter"); put extra detail in description.

Allowed values:
- character status: active, inactive, deceased
- story beat type: milestone, quest, revelation, event, plot_point
- story beat status: pending, active, completed, failed

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "newCharacters": [{"name": "", "description": "", "relationship": "", "traits": [], "status": "active"}],
  "updatedCharacters": [{"id": "", "name": "", "description": "", "relationship": "", "traits": [], "status": ""}],
  "newLocations": [{"name": "", "description": ""}],
  "newItems": [{"name": "", "description": "", "quantity": 1, "location": "inventory"}],
  "updatedItems": [{"id": "", "name": "", "description": "", "quantity": 1, "location": ""}],
  "newStoryBeats": [{"name": "", "description": "", "type": "quest", "status": "active"}],
  "updatedStoryBeats": [{"id": "", "name": "", "status": ""}],
  "currentLocationName": ""
}

Use empty arrays for lists with nothing to report.`

func buildSystemPrompt(genre string) string {
	hint := ""
	if g := strings.TrimSpace(genre); g != "" {
		hint = " (genre: " + g + ")"
	}
	return fmt.Sprintf(systemPromptTemplate, hint)
}

// buildUserMessage lists the existing world and the turn text.
func buildUserMessage(in Input) string {
	var sb strings.Builder

	sb.WriteString("EXISTING CHARACTERS:\n")
	writeList(&sb, len(in.Characters), func(i int) string {
		c := in.Characters[i]
		if c.IsProtagonist() {
			return fmt.Sprintf("%s [id=%s] (protagonist)", c.Name, c.ID)
		}
		return fmt.Sprintf("%s [id=%s]", c.Name, c.ID)
	})

	sb.WriteString("\nEXISTING LOCATIONS:\n")
	writeList(&sb, len(in.Locations), func(i int) string {
		l := in.Locations[i]
		if l.Current {
			return fmt.Sprintf("%s [id=%s] (current)", l.Name, l.ID)
		}
		return fmt.Sprintf("%s [id=%s]", l.Name, l.ID)
	})

	sb.WriteString("\nEXISTING ITEMS:\n")
	writeList(&sb, len(in.Items), func(i int) string {
		it := in.Items[i]
		return fmt.Sprintf("%s [id=%s] (location: %s)", it.Name, it.ID, it.Location)
	})

	sb.WriteString("\nEXISTING STORY BEATS:\n")
	writeList(&sb, len(in.Beats), func(i int) string {
		b := in.Beats[i]
		return fmt.Sprintf("%s [id=%s] (%s, %s)", b.Name, b.ID, b.Type, b.Status)
	})

	sb.WriteString("\nPLAYER ACTION:\n")
	sb.WriteString(strings.TrimSpace(in.UserAction))
	sb.WriteString("\n\nNARRATION:\n")
	sb.WriteString(strings.TrimSpace(in.Narrative))
	return sb.String()
}

func writeList(sb *strings.Builder, n int, line func(int) string) {
	if n == 0 {
		sb.WriteString("(none)\n")
		return
	}
	for i := range n {
		sb.WriteString("- ")
		sb.WriteString(line(i))
		sb.WriteByte('\n')
	}
}
