package support

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

//go:embed templates.json
var defaultTemplates []byte

// Template is a canned reply. Patterns are lowercase phrases matched by
// containment, or regular expressions when prefixed with "re:".
type Template struct {
	Name               string   `json:"name"`
	Patterns           []string `json:"patterns"`
	Response           string   `json:"response"`
	Intent             string   `json:"intent"`
	Priority           int      `json:"priority"`
	RequiresAuth       bool     `json:"requires_auth,omitempty"`
	EscalationPossible bool     `json:"escalation_possible,omitempty"`

	phrases []string
	regexes []*regexp.Regexp
}

// LoadTemplates parses a template table and orders it by descending
// priority. Equal priorities keep table order.
func LoadTemplates(data []byte) ([]Template, error) {
	var table []Template
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	for i := range table {
		t := &table[i]
		if strings.TrimSpace(t.Response) == "" {
			return nil, fmt.Errorf("template %q has no response", t.Name)
		}
		for _, p := range t.Patterns {
			if expr, ok := strings.CutPrefix(p, "re:"); ok {
				re, err := regexp.Compile("(?i)" + expr)
				if err != nil {
					return nil, fmt.Errorf("template %q pattern %q: %w", t.Name, p, err)
				}
				t.regexes = append(t.regexes, re)
				continue
			}
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				t.phrases = append(t.phrases, p)
			}
		}
		if len(t.phrases) == 0 && len(t.regexes) == 0 {
			return nil, fmt.Errorf("template %q has no patterns", t.Name)
		}
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].Priority > table[j].Priority })
	return table, nil
}

// DefaultTemplates returns the bundled table.
func DefaultTemplates() []Template {
	table, err := LoadTemplates(defaultTemplates)
	if err != nil {
		panic(err)
	}
	return table
}

func (t Template) matches(lower string) bool {
	for _, p := range t.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, re := range t.regexes {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}
