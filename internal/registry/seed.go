package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"strategy-orchestrator/pkg/db"
)

// seedFile is the YAML shape of a strategy seed file.
type seedFile struct {
	Strategies []seedStrategy `yaml:"strategies"`
}

type seedStrategy struct {
	Name       string             `yaml:"name"`
	Venue      string             `yaml:"venue"`
	Pair       string             `yaml:"pair"`
	Pairs      []string           `yaml:"pairs"`
	EngineType string             `yaml:"engine_type"`
	Params     map[string]float64 `yaml:"params"`
	Owner      string             `yaml:"owner"`
}

// SeedFromFile registers strategies declared in a YAML file. Strategies that
// already exist (for example restored from the store) are skipped quietly;
// other failures are logged and skipped.
func (r *Registry) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for _, s := range seed.Strategies {
		cfg := db.StrategyConfig{
			Name:       s.Name,
			Venue:      s.Venue,
			Pair:       s.Pair,
			Pairs:      s.Pairs,
			EngineType: s.EngineType,
			Params:     s.Params,
			Owner:      s.Owner,
		}
		err := r.Add(ctx, cfg)
		switch {
		case err == nil:
			r.log.Info("seeded strategy", zap.String("name", cfg.Name))
		case errors.Is(err, ErrDuplicate):
			r.log.Debug("seed strategy already registered", zap.String("name", cfg.Name))
		default:
			r.log.Warn("skipping seed strategy", zap.String("name", cfg.Name), zap.Error(err))
		}
	}
	return nil
}
