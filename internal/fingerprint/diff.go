package fingerprint

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	diffFrame       = "--------"
	diffMissing     = "<missing>"
	diffNoEntries   = "(no fingerprints)"
	diffMatch       = "✅"
	diffMismatch    = "❌"
	diffIdentityKey = "identity"
)

// Diff renders current and stored fingerprint text side by side, one small
// table per file, with a match indicator on every row. It is meant for
// explaining why a publish ran, not for machine consumption.
//
// Either side may be empty. Neither side has to be well formed; lines that
// do not look like artifact lines are ignored.
func Diff(current, stored string) string {
	curID, cur := diffEntries(current)
	stoID, sto := diffEntries(stored)

	var sections []string
	if curID != "" || stoID != "" {
		sections = append(sections, diffSection(diffIdentityKey, []string{curID}, []string{stoID}))
	}

	paths := make(map[string]struct{}, len(cur)+len(sto))
	for p := range cur {
		paths[p] = struct{}{}
	}
	for p := range sto {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		sections = append(sections, diffSection(p, cur[p], sto[p]))
	}

	if len(sorted) == 0 {
		sections = append(sections, diffNoEntries)
	}
	return diffFrame + "\n" + strings.Join(sections, "\n") + "\n" + diffFrame
}

func diffSection(name string, cur, sto []string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("current", "stored", "match")

	rows := max(len(cur), len(sto))
	for i := 0; i < rows; i++ {
		c, s := diffMissing, diffMissing
		if i < len(cur) && cur[i] != "" {
			c = cur[i]
		}
		if i < len(sto) && sto[i] != "" {
			s = sto[i]
		}
		mark := diffMismatch
		if c == s && c != diffMissing {
			mark = diffMatch
		}
		t.Row(c, s, mark)
	}
	return name + "\n" + t.String()
}

// diffEntries splits fingerprint text into its identity and a path to
// digests map. A path normally has one digest; malformed input may repeat it.
func diffEntries(text string) (string, map[string][]string) {
	out := make(map[string][]string)
	text = strings.TrimSpace(text)
	if text == "" {
		return "", out
	}

	lines := strings.Split(text, "\n")
	identity := ""
	if len(lines) >= 2 && strings.TrimSpace(lines[1]) == HeaderSeparator {
		identity = strings.TrimSpace(lines[0])
		lines = lines[2:]
	}
	for _, line := range lines {
		path, digest, ok := strings.Cut(strings.TrimSpace(line), Separator)
		if !ok || path == "" {
			continue
		}
		out[path] = append(out[path], digest)
	}
	return identity, out
}
