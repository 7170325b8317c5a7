package ctxbuild

import (
	"slices"
	"strings"
)

// Render formats items as the entity context block followed by retrieved.
// Sections appear in a fixed order, items within a section by name, and
// empty sections are omitted. The output depends only on its arguments.
func Render(items []Item, retrieved string) string {
	bySection := make(map[Section][]Item, len(sectionOrder))
	for _, it := range items {
		bySection[it.Section] = append(bySection[it.Section], it)
	}

	var sb strings.Builder
	for _, sec := range sectionOrder {
		group := bySection[sec]
		if len(group) == 0 {
			continue
		}
		slices.SortStableFunc(group, func(a, b Item) int {
			return compareNames(a.Name, a.ID, b.Name, b.ID)
		})
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("[" + string(sec) + "]\n")
		for _, it := range group {
			sb.WriteString("- ")
			sb.WriteString(it.Line)
			sb.WriteByte('\n')
		}
	}

	retrieved = strings.TrimRight(retrieved, "\n")
	if strings.TrimSpace(retrieved) != "" {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(retrieved)
		sb.WriteByte('\n')
	}
	return sb.String()
}
