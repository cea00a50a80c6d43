package flow

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

//go:embed protocols.yaml
var defaultProtocolsYAML []byte

// Protocol is one catalog entry a nudge can be built from.
type Protocol struct {
	ID            string               `yaml:"id" json:"id"`
	Name          string               `yaml:"name" json:"name"`
	Category      string               `yaml:"category" json:"category"`
	ModuleID      string               `yaml:"module_id,omitempty" json:"module_id,omitempty"`
	Evidence      models.EvidenceLevel `yaml:"evidence" json:"evidence"`
	PreferredTime models.TimeOfDay     `yaml:"preferred_time" json:"preferred_time"`
	Critical      bool                 `yaml:"critical,omitempty" json:"critical,omitempty"`
	Disabled      bool                 `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

type protocolFile struct {
	Protocols []Protocol `yaml:"protocols"`
}

// ParseProtocols decodes a YAML protocol list.
func ParseProtocols(data []byte) ([]Protocol, error) {
	var f protocolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse protocols: %w", err)
	}
	seen := make(map[string]bool, len(f.Protocols))
	for i, p := range f.Protocols {
		if p.ID == "" {
			return nil, fmt.Errorf("parse protocols: entry %d: %w: missing id", i, models.ErrMalformedInput)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("parse protocols: %w: duplicate id %q", models.ErrMalformedInput, p.ID)
		}
		seen[p.ID] = true
	}
	return f.Protocols, nil
}

// DefaultProtocols returns the built-in catalog.
func DefaultProtocols() []Protocol {
	ps, err := ParseProtocols(defaultProtocolsYAML)
	if err != nil {
		panic(err)
	}
	return ps
}

// LoadProtocols reads a catalog file; an empty path yields the built-in catalog.
func LoadProtocols(path string) ([]Protocol, error) {
	if path == "" {
		return DefaultProtocols(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocols %s: %w", path, err)
	}
	return ParseProtocols(data)
}

// Catalog is a static CandidateSource over a protocol list. Every enabled
// protocol is offered; ranking and gating happen downstream.
type Catalog struct {
	protocols []Protocol
}

// NewCatalog creates a Catalog; nil protocols means the built-in list.
func NewCatalog(protocols []Protocol) *Catalog {
	if protocols == nil {
		protocols = DefaultProtocols()
	}
	return &Catalog{protocols: protocols}
}

// Candidates implements pipeline.CandidateSource.
func (c *Catalog) Candidates(ctx context.Context, userID string, now time.Time) ([]models.NudgeCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.NudgeCandidate, 0, len(c.protocols))
	for _, p := range c.protocols {
		if p.Disabled {
			continue
		}
		cand := models.NudgeCandidate{
			ProtocolID:    p.ID,
			ProtocolName:  p.Name,
			Category:      p.Category,
			ModuleID:      p.ModuleID,
			Source:        models.NudgeSourceSchedule,
			EvidenceLevel: p.Evidence,
			PreferredTime: p.PreferredTime,
			Severity:      models.SeverityNormal,
		}
		if p.Critical {
			cand.Severity = models.SeverityCritical
		}
		out = append(out, cand)
	}
	return out, nil
}
