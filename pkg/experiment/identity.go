package experiment

import (
	"errors"
	"fmt"
	"os"

	"github.com/psantana5/ec14-supervisor/pkg/config"
)

var (
	// ErrAlreadyExists means the base path appeared between the identity
	// check and bootstrap, most likely from a concurrent bootstrap.
	ErrAlreadyExists = errors.New("experiment directory already exists")

	// ErrIncompleteBootstrap means a previous bootstrap died part way.
	ErrIncompleteBootstrap = errors.New("experiment directory exists but bootstrap never completed")
)

// Identity says whether the configured experiment still has to be created.
type Identity struct {
	IsNew    bool
	BasePath string
}

// Layout returns the directory layout rooted at the base path.
func (id Identity) Layout() Layout {
	return Layout{Base: id.BasePath}
}

// ResolveIdentity derives the base path from the config and checks whether
// it exists. A base path without the bootstrap marker is reported as
// ErrIncompleteBootstrap; resuming such an experiment would poll an empty
// or half-seeded population.
func ResolveIdentity(cfg *config.ExperimentConfig) (Identity, error) {
	base, err := cfg.BasePath()
	if err != nil {
		return Identity{}, err
	}
	id := Identity{BasePath: base}

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, os.ErrNotExist):
		id.IsNew = true
		return id, nil
	case err != nil:
		return id, fmt.Errorf("failed to stat %s: %w", base, err)
	case !info.IsDir():
		return id, fmt.Errorf("%s exists and is not a directory", base)
	}

	if _, err := os.Stat(id.Layout().Marker()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return id, fmt.Errorf("%w: %s (remove it to bootstrap again)", ErrIncompleteBootstrap, base)
		}
		return id, fmt.Errorf("failed to stat bootstrap marker: %w", err)
	}
	return id, nil
}
