package openings

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed openings.yaml
var embeddedCatalog []byte

// Entry is one royalty-bearing opening. Moves is the SAN prefix that
// identifies it; Mint is the token whose holder collects the royalty.
type Entry struct {
	ECO   string   `yaml:"eco"`
	Name  string   `yaml:"name"`
	Moves []string `yaml:"moves"`
	Mint  string   `yaml:"mint"`
}

type catalogFile struct {
	Openings []Entry `yaml:"openings"`
}

// Catalog resolves a game's move list to the most specific known opening.
type Catalog struct {
	entries []Entry
}

// LoadCatalog parses the embedded opening book. Entries are sorted by
// prefix length descending so the first prefix hit is the longest one.
func LoadCatalog() (*Catalog, error) {
	return parseCatalog(embeddedCatalog)
}

func parseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse opening catalog: %w", err)
	}
	seen := make(map[string]string, len(file.Openings))
	for _, e := range file.Openings {
		if len(e.Moves) == 0 || e.Mint == "" {
			return nil, fmt.Errorf("opening %q (%s): moves and mint are required", e.Name, e.ECO)
		}
		key := fmt.Sprint(e.Moves)
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("opening %q duplicates the prefix of %q", e.Name, prev)
		}
		seen[key] = e.Name
	}
	entries := append([]Entry(nil), file.Openings...)
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Moves) > len(entries[j].Moves)
	})
	return &Catalog{entries: entries}, nil
}

// Match returns the longest opening prefix of the move list, or nil when
// the game left book on move one.
func (c *Catalog) Match(movesSAN []string) *Entry {
	for i := range c.entries {
		e := &c.entries[i]
		if hasPrefix(movesSAN, e.Moves) {
			return e
		}
	}
	return nil
}

func (c *Catalog) Len() int { return len(c.entries) }

func hasPrefix(moves, prefix []string) bool {
	if len(moves) < len(prefix) {
		return false
	}
	for i, m := range prefix {
		if moves[i] != m {
			return false
		}
	}
	return true
}
