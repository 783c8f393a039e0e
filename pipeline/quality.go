package pipeline

import (
	"fmt"
	"strings"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/transformer"
)

// QualityPolicy selects the qualities each group's stream accepts
type QualityPolicy struct {
	Default transformer.QualitySet
	Groups  map[string]transformer.QualitySet
}

// For returns the accepted qualities of group
func (p QualityPolicy) For(group string) transformer.QualitySet {
	if set, ok := p.Groups[group]; ok {
		return set
	}
	for name, set := range p.Groups {
		if strings.EqualFold(name, group) {
			return set
		}
	}
	return p.Default
}

// NewQualityPolicy builds the policy from the destination default and the
// per-source overrides of cfg.
func NewQualityPolicy(cfg *config.Config) (QualityPolicy, error) {
	def, err := transformer.ParseQualitySet(cfg.Destination.AllowedQuality)
	if err != nil {
		return QualityPolicy{}, fmt.Errorf("%w: destination allowed_quality: %w", config.ErrConfiguration, err)
	}

	p := QualityPolicy{Default: def, Groups: map[string]transformer.QualitySet{}}
	for group, src := range cfg.Sources {
		if len(src.AllowedQuality) == 0 {
			continue
		}
		set, err := transformer.ParseQualitySet(src.AllowedQuality)
		if err != nil {
			return QualityPolicy{}, fmt.Errorf("%w: source %s allowed_quality: %w", config.ErrConfiguration, group, err)
		}
		p.Groups[group] = set
	}
	return p, nil
}
