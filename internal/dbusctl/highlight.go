package dbusctl

import (
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
)

// chromaHighlightJSON renders source as ANSI-colored JSON, grounded on
// lib/ticketui/markdown.go's quick.Highlight usage for fenced code
// blocks — the detail pane here has no markdown structure to walk, so
// it calls quick.Highlight directly rather than going through a
// goldmark AST.
func chromaHighlightJSON(source string) (string, error) {
	var out strings.Builder
	if err := quick.Highlight(&out, source, "json", "terminal256", "monokai"); err != nil {
		return "", err
	}
	return out.String(), nil
}
