package extract

import "strings"

// blockTags start a new line in captured text, so list items and
// paragraphs stay apart instead of running together.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"caption": true, "dd": true, "details": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "figcaption": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "header": true,
	"hr": true, "li": true, "main": true, "nav": true, "ol": true, "p": true, "pre": true,
	"section": true, "summary": true, "table": true, "tbody": true, "td": true, "tfoot": true,
	"th": true, "thead": true, "tr": true, "ul": true,
}

// textLines collects the text of one element split at block boundaries.
type textLines struct {
	lines []string
	cur   strings.Builder
}

func (t *textLines) write(s string) {
	t.cur.WriteString(s)
}

func (t *textLines) newline() {
	t.lines = append(t.lines, t.cur.String())
	t.cur.Reset()
}

// String trims every line, drops the empty ones and joins the rest with "\n".
func (t *textLines) String() string {
	all := append(t.lines[:len(t.lines):len(t.lines)], t.cur.String())
	out := make([]string, 0, len(all))
	for _, line := range all {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
