package app

import (
	"context"
	"errors"
	"fmt"

	"leadline/internal/config"
	"leadline/internal/repo"
)

// ResolveConfig loads the allocation config from the database, seeding
// the defaults on first use so every entry point sees the same policy.
func ResolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default()
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
