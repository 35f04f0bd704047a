// Package extract pulls a handful of fields out of an HTML page.
//
// A Rule names a snapshot field and a structural path such as
// "article.post h2 a". The first element matching the path, in document
// order, supplies the field value: its trimmed text, or one attribute when
// Attr is set. Paths support tag, #id and .class steps joined by the
// descendant combinator, which both backends evaluate identically.
package extract

import (
	"fmt"
	"strings"
)

// Rule extracts one field from the first element matching Selector.
type Rule struct {
	Field     string `mapstructure:"field"`
	Selector  string `mapstructure:"selector"`
	Attr      string `mapstructure:"attr"`
	Required  bool   `mapstructure:"required"`
	MinLength int    `mapstructure:"min_length"`
	URL       bool   `mapstructure:"url"`
}

// Step is one compound selector of a path.
type Step struct {
	Tag     string
	ID      string
	Classes []string
}

// Path is a descendant chain of steps, outermost first.
type Path []Step

// ParsePath compiles a space separated selector into a Path.
func ParsePath(selector string) (Path, error) {
	fields := strings.Fields(selector)
	if len(fields) == 0 {
		return nil, fmt.Errorf("selector is empty")
	}
	path := make(Path, 0, len(fields))
	for _, field := range fields {
		step, err := parseStep(field)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", selector, err)
		}
		path = append(path, step)
	}
	return path, nil
}

func parseStep(token string) (Step, error) {
	var step Step
	i := 0
	for i < len(token) && isIdentByte(token[i]) {
		i++
	}
	step.Tag = strings.ToLower(token[:i])
	for i < len(token) {
		marker := token[i]
		if marker != '#' && marker != '.' {
			return Step{}, fmt.Errorf("unsupported character %q in %q", marker, token)
		}
		i++
		start := i
		for i < len(token) && isIdentByte(token[i]) {
			i++
		}
		name := token[start:i]
		if name == "" {
			return Step{}, fmt.Errorf("empty name after %q in %q", marker, token)
		}
		if marker == '#' {
			if step.ID != "" {
				return Step{}, fmt.Errorf("multiple ids in %q", token)
			}
			step.ID = name
		} else {
			step.Classes = append(step.Classes, name)
		}
	}
	return step, nil
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Matches reports whether an element with the given tag, id and class
// attribute satisfies the step.
func (s Step) Matches(tag, id, class string) bool {
	if s.Tag != "" && s.Tag != tag {
		return false
	}
	if s.ID != "" && s.ID != id {
		return false
	}
	if len(s.Classes) == 0 {
		return true
	}
	have := strings.Fields(class)
	for _, want := range s.Classes {
		found := false
		for _, c := range have {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ValidateRules checks field names and selectors up front so a bad
// configuration fails at startup rather than on the first scrape.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("at least one extraction rule is required")
	}
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		switch rule.Field {
		case "title", "link", "version", "changes":
		default:
			return fmt.Errorf("rule %d: unknown field %q", i, rule.Field)
		}
		if _, dup := seen[rule.Field]; dup {
			return fmt.Errorf("rule %d: duplicate field %q", i, rule.Field)
		}
		seen[rule.Field] = struct{}{}
		if _, err := ParsePath(rule.Selector); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.MinLength < 0 {
			return fmt.Errorf("rule %d: min_length must be >= 0", i)
		}
	}
	return nil
}
