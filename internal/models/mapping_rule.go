package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldType declares how a mapped source value must be coerced.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldEnum   FieldType = "enum"
)

// MappingRule maps one canonical field to its source field candidates.
// Aliases are tried for an exact (normalized) match first, then by string
// similarity; Position is a fallback column hint for headerless sources.
type MappingRule struct {
	CanonicalField string    `json:"canonical_field"`
	Aliases        []string  `json:"aliases"`
	Position       *int      `json:"position,omitempty"`
	Type           FieldType `json:"type"`
	Required       bool      `json:"required"`
	Enum           []string  `json:"enum,omitempty"`
	MinValue       *float64  `json:"min_value,omitempty"`
	MaxValue       *float64  `json:"max_value,omitempty"`
}

// MappingRuleSet is a versioned, read-only set of rules for one entity type.
// Rule order matters: it is the tie-break when two candidates score equally.
type MappingRuleSet struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Name       string        `gorm:"index"`
	Version    int
	EntityType string        `gorm:"index"`
	Locale     string
	Rules      []MappingRule `gorm:"type:jsonb;serializer:json"`
	CreatedAt  time.Time
}

// Validate rejects rule sets that cannot drive a job. A job submitted with
// an invalid set aborts before any extraction.
func (s *MappingRuleSet) Validate() error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("rule set %s has no rules", s.Name)
	}
	seen := make(map[string]bool, len(s.Rules))
	for _, r := range s.Rules {
		if r.CanonicalField == "" {
			return fmt.Errorf("rule set %s: rule with empty canonical field", s.Name)
		}
		if seen[r.CanonicalField] {
			return fmt.Errorf("rule set %s: duplicate rule for field %q", s.Name, r.CanonicalField)
		}
		seen[r.CanonicalField] = true
		if len(r.Aliases) == 0 && r.Position == nil {
			return fmt.Errorf("rule set %s: field %q has no aliases and no position", s.Name, r.CanonicalField)
		}
		if r.Type == FieldEnum && len(r.Enum) == 0 {
			return fmt.Errorf("rule set %s: enum field %q has no allowed values", s.Name, r.CanonicalField)
		}
	}
	return nil
}
