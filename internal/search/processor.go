package search

import (
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
)

// ProcessQuery validates the query and applies configured limits.
func ProcessQuery(query *models.SearchQuery, cfg *config.SearchConfig) error {
	if cfg != nil && query.Limit <= 0 && cfg.DefaultLimit > 0 {
		query.Limit = cfg.DefaultLimit
	}
	if err := query.Validate(); err != nil {
		return err
	}
	if cfg != nil && cfg.MaxLimit > 0 && query.Limit > cfg.MaxLimit {
		query.Limit = cfg.MaxLimit
	}
	return nil
}

// weights returns the fusion weights for the enabled search kinds. A single enabled kind gets full weight.
func weights(query *models.SearchQuery, cfg *config.SearchConfig) (kw, sem float64) {
	switch {
	case query.KeywordEnabled && query.SemanticEnabled:
		kw, sem = 0.3, 0.7
		if cfg != nil && cfg.KeywordWeight+cfg.SemanticWeight > 0 {
			kw, sem = cfg.KeywordWeight, cfg.SemanticWeight
		}
		return kw, sem
	case query.KeywordEnabled:
		return 1, 0
	default:
		return 0, 1
	}
}
