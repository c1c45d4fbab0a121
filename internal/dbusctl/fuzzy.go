// Package dbusctl holds cmd/dbusctl's TUI model and supporting
// filter/highlight helpers, kept separate from cmd/dbusctl/main.go so
// the model itself has no direct dependency on flag parsing or process
// lifecycle.
package dbusctl

import (
	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// fuzzyScore ranks how well pattern fuzzy-matches text, delegating to
// fzf's own matcher rather than reimplementing subsequence scoring —
// grounded on lib/ticketui/fuzzy.go's fzf/src/util.Slab usage. Returns
// (score, true) on any match, or (0, false) when pattern does not
// appear as a subsequence of text at all.
func fuzzyScore(text string, pattern []rune, slab *util.Slab) (int, bool) {
	if len(pattern) == 0 {
		return 0, true
	}
	chars := util.RunesToChars([]rune(text))
	result, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
	if result.Start < 0 {
		return 0, false
	}
	return result.Score, true
}
