package warden

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"

	_ "embed"
)

//go:embed assets/channel_names.json
var embeddedNamePool []byte

// NameSuffix is one entry of the channel name pool. A created channel
// is named after its owner plus the suffix; Statuses optionally feed
// the channel's voice status.
type NameSuffix struct {
	Suffix      string   `json:"suffix"`
	Statuses    []string `json:"statuses"`
	NoPluralize bool     `json:"no_pluralize"`
}

// NamePool holds the channel name suffixes, loaded once at startup.
type NamePool struct {
	suffixes []NameSuffix
}

// loadNamePool returns the name pool from the override file when set,
// otherwise the embedded asset. The pool is not re-read at runtime.
func loadNamePool(path string) (*NamePool, error) {
	data := embeddedNamePool
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading name pool file: %w", err)
		}
		data = fileData
	}
	var suffixes []NameSuffix
	if err := json.Unmarshal(data, &suffixes); err != nil {
		return nil, fmt.Errorf("error parsing name pool: %w", err)
	}
	if len(suffixes) == 0 {
		return nil, fmt.Errorf("name pool is empty")
	}
	for _, s := range suffixes {
		if s.Suffix == "" {
			return nil, fmt.Errorf("name pool entry with empty suffix")
		}
	}
	return &NamePool{suffixes: suffixes}, nil
}

// Pick returns a random suffix from the pool.
func (p *NamePool) Pick() NameSuffix {
	return p.suffixes[rand.Intn(len(p.suffixes))]
}

// Status returns a random status string for the suffix, or "" if the
// suffix has none.
func (s NameSuffix) Status() string {
	if len(s.Statuses) == 0 {
		return ""
	}
	return s.Statuses[rand.Intn(len(s.Statuses))]
}

// composeChannelName builds the display name for a new temporary
// channel from the owner's display name and a suffix. The owner name
// is pluralized with a trailing "s" unless it already ends in one
// (case-insensitive) or the suffix is exempt.
func composeChannelName(displayName string, suffix NameSuffix) string {
	name := displayName
	if !suffix.NoPluralize && !strings.HasSuffix(strings.ToLower(name), "s") {
		name += "s"
	}
	return fmt.Sprintf("%s %s", name, suffix.Suffix)
}
