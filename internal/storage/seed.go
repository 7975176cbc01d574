package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/camuig/coin-arena/internal/config"
)

// SeedModels creates every configured model whose name is not yet stored and returns
// how many were created. Existing models are left untouched.
func (r *Repository) SeedModels(ctx context.Context, seeds []config.ModelConfig, defaultCapital float64) (int, error) {
	var created int
	for _, s := range seeds {
		_, err := r.GetModelByName(ctx, s.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("look up model %q: %w", s.Name, err)
		}

		capital := s.InitialCapital
		if capital <= 0 {
			capital = defaultCapital
		}
		m := &Model{
			Name:           s.Name,
			APIKey:         s.APIKey,
			APIURL:         s.APIURL,
			ModelName:      s.ModelName,
			InitialCapital: capital,
			SystemPrompt:   s.SystemPrompt,
			Active:         true,
		}
		if err := r.CreateModel(ctx, m); err != nil {
			return created, fmt.Errorf("create model %q: %w", s.Name, err)
		}
		created++
	}
	return created, nil
}
