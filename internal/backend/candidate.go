package backend

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Health of a candidate as of its last probe.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Candidate is one configured remote GPU server.
type Candidate struct {
	Name      string    `json:"name" yaml:"name"`
	Address   string    `json:"address" yaml:"address"`
	APIKey    string    `json:"-" yaml:"api_key"`
	Health    Health    `json:"health" yaml:"-"`
	CheckedAt time.Time `json:"checked_at,omitempty" yaml:"-"`
	Reason    string    `json:"reason,omitempty" yaml:"-"`
}

type candidateFile struct {
	Backends []Candidate `yaml:"backends"`
}

// LoadCandidates builds the priority-ordered candidate list. A backends file,
// when given, replaces the address list. Candidates without their own key
// use apiKey.
func LoadCandidates(addresses []string, apiKey, file string) ([]Candidate, error) {
	var out []Candidate
	if strings.TrimSpace(file) != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("backend: read backends file: %w", err)
		}
		var parsed candidateFile
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("backend: parse backends file: %w", err)
		}
		out = parsed.Backends
	} else {
		for _, addr := range addresses {
			out = append(out, Candidate{Address: addr})
		}
	}

	seen := make(map[string]bool, len(out))
	cleaned := make([]Candidate, 0, len(out))
	for i, c := range out {
		c.Address = strings.TrimRight(strings.TrimSpace(c.Address), "/")
		if c.Address == "" {
			continue
		}
		u, err := url.Parse(c.Address)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("backend: invalid address %q", c.Address)
		}
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			c.Name = fmt.Sprintf("gpu-%d", i+1)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("backend: duplicate backend name %q", c.Name)
		}
		seen[c.Name] = true
		if strings.TrimSpace(c.APIKey) == "" {
			c.APIKey = apiKey
		}
		c.APIKey = strings.TrimSpace(c.APIKey)
		c.Health = HealthUnknown
		cleaned = append(cleaned, c)
	}
	return cleaned, nil
}
