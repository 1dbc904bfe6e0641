package explore

import (
	"regexp"
	"strings"
)

// DefaultCommandTag is the fence tag marking an executable query block.
const DefaultCommandTag = "sql"

// Command is one extracted, not-yet-executed query with its position in the
// oracle's reply. It lives only for the duration of one assistant turn.
type Command struct {
	Index int
	Text  string
}

// Extractor recognizes fenced command blocks carrying a specific language
// tag, e.g.
//
//	```sql
//	SELECT country_name FROM speeches WHERE year = 2022;
//	```
//
// The tag is required: untagged fences and fences with other tags are never
// extracted. The extractor performs no validation of query syntax; that is
// the store's concern.
type Extractor struct {
	tag string
	re  *regexp.Regexp
}

// NewExtractor builds an extractor for the given fence tag.
func NewExtractor(tag string) *Extractor {
	if tag == "" {
		tag = DefaultCommandTag
	}
	// (?s) lets blocks span lines. The \s after the tag keeps a `sqlite`
	// fence from matching a `sql` extractor.
	re := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(tag) + `\s(.*?)` + "```")
	return &Extractor{tag: tag, re: re}
}

// Commands returns the trimmed interior of every tagged fenced block in the
// reply, in left-to-right order of appearance. No tagged blocks yields an
// empty slice, not an error.
func (e *Extractor) Commands(reply string) []Command {
	matches := e.re.FindAllStringSubmatch(reply, -1)
	if len(matches) == 0 {
		return nil
	}
	cmds := make([]Command, 0, len(matches))
	for i, m := range matches {
		cmds = append(cmds, Command{Index: i, Text: strings.TrimSpace(m[1])})
	}
	return cmds
}
