// Package parser reads person records written as Markdown with YAML
// frontmatter: the frontmatter carries the hierarchy and detail fields,
// the body is the biography.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	mentionRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe     = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// ErrNoID is returned for a record without an id.
var ErrNoID = errors.New("parser: record has no id")

// Frontmatter is the YAML header of a person record.
type Frontmatter struct {
	ID              string            `yaml:"id"`
	Parent          string            `yaml:"parent"`
	SecondaryParent string            `yaml:"secondary_parent"`
	Generation      int               `yaml:"generation"`
	Order           int               `yaml:"order"`
	Display         string            `yaml:"display"`
	Email           string            `yaml:"email"`
	Phone           string            `yaml:"phone"`
	Born            string            `yaml:"born"`
	Died            string            `yaml:"died"`
	Location        string            `yaml:"location"`
	Photo           string            `yaml:"photo"`
	Tags            []string          `yaml:"tags"`
	Extra           map[string]string `yaml:"extra"`
}

// Person is a parsed record.
type Person struct {
	Frontmatter
	Biography string
	// Mentions are [[id]] references in the biography, deduplicated.
	Mentions []string
}

// Parse extracts a person record from raw Markdown bytes. The display name
// falls back to the first H1 heading, then to the id.
func Parse(data []byte) (*Person, error) {
	fmBlock, body, ok := splitFrontmatter(data)
	if !ok {
		return nil, ErrNoID
	}
	var fm Frontmatter
	if err := yaml.Unmarshal(fmBlock, &fm); err != nil {
		return nil, fmt.Errorf("parser: frontmatter: %w", err)
	}
	fm.ID = strings.TrimSpace(fm.ID)
	if fm.ID == "" {
		return nil, ErrNoID
	}
	if fm.Display == "" {
		fm.Display = firstHeading(body)
	}
	if fm.Display == "" {
		fm.Display = fm.ID
	}
	fm.Tags = mergeTags(fm.Tags, body)

	return &Person{
		Frontmatter: fm,
		Biography:   strings.TrimSpace(stripHeading(body)),
		Mentions:    extractMentions(body),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading ---
// delimiters) from the body.
func splitFrontmatter(data []byte) ([]byte, string, bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), false
	}
	body := strings.TrimLeft(string(rest[idx+1+len(delim):]), "\n\r")
	return rest[:idx], body, true
}

// extractMentions returns deduplicated [[id]] targets; [[id|label]] yields id.
func extractMentions(body string) []string {
	matches := mentionRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// mergeTags unions frontmatter tags with inline #tags, sorted.
func mergeTags(fm []string, body string) []string {
	seen := make(map[string]struct{}, len(fm))
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, t := range fm {
		add(t)
	}
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	sort.Strings(out)
	return out
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// stripHeading drops a leading H1 so it is not repeated in the biography.
func stripHeading(body string) string {
	trimmed := strings.TrimLeft(body, "\n\r ")
	if !strings.HasPrefix(trimmed, "# ") {
		return body
	}
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		return trimmed[i+1:]
	}
	return ""
}
