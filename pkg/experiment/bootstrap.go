package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/logging"
	"github.com/psantana5/ec14-supervisor/pkg/population"
	"github.com/psantana5/ec14-supervisor/pkg/store"
)

// Manifest is the bootstrap marker written as the last bootstrap step.
type Manifest struct {
	SessionID      string    `yaml:"session_id" json:"session_id"`
	Experiment     string    `yaml:"experiment" json:"experiment"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
	ConfigPath     string    `yaml:"config_path" json:"config_path"`
	PopulationSize int       `yaml:"population_size" json:"population_size"`
	ArenaType      string    `yaml:"arena_type,omitempty" json:"arena_type,omitempty"`
}

// Options configures Bootstrap.
type Options struct {
	Config *config.ExperimentConfig
	Store  store.Store
	Rand   population.Source
	Logger *logging.Logger

	// Executable is copied into scripts/ for continuation jobs.
	// Empty means the running binary.
	Executable string
}

// Bootstrap creates a new experiment: directory layout, config snapshot,
// job scripts, a freshly created schema and the seeded population.
//
// Missing parents of the base path are created. The base path itself is
// created with an exclusive mkdir, so a concurrent
// bootstrap fails with ErrAlreadyExists instead of sharing the directory.
// Any later failure drops the schema and removes the base path before the
// error is returned, leaving nothing behind for the next attempt to trip on.
func Bootstrap(ctx context.Context, id Identity, opts Options) (*Manifest, error) {
	if opts.Config == nil || opts.Store == nil || opts.Rand == nil {
		return nil, errors.New("bootstrap requires config, store and random source")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	layout := id.Layout()

	base := strings.TrimSuffix(id.BasePath, string(filepath.Separator))
	if err := os.MkdirAll(filepath.Dir(base), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent of %s: %w", id.BasePath, err)
	}
	if err := os.Mkdir(base, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id.BasePath)
		}
		return nil, fmt.Errorf("failed to create %s: %w", id.BasePath, err)
	}

	b := &bootstrap{ctx: ctx, opts: opts, layout: layout, logger: logger}
	manifest, err := b.run()
	if err != nil {
		b.rollback()
		return nil, err
	}
	return manifest, nil
}

type bootstrap struct {
	ctx           context.Context
	opts          Options
	layout        Layout
	logger        *logging.Logger
	schemaTouched bool
}

func (b *bootstrap) run() (*Manifest, error) {
	cfg := b.opts.Config

	for _, dir := range Subdirs {
		if err := os.Mkdir(b.layout.Dir(dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	snapshot := b.layout.ConfigSnapshot(filepath.Ext(cfg.Path))
	if err := copyFile(cfg.Path, snapshot, 0644); err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}

	if err := b.installScripts(); err != nil {
		return nil, err
	}

	b.schemaTouched = true
	if err := b.opts.Store.DropSchema(b.ctx); err != nil {
		return nil, err
	}
	if err := b.opts.Store.CreateSchema(b.ctx); err != nil {
		return nil, err
	}

	params := population.ParamsFromConfig(cfg)
	created, err := population.Seed(b.ctx, b.opts.Store, b.opts.Rand, params)
	if err != nil {
		return nil, fmt.Errorf("failed to seed population after %d individuals: %w", created, err)
	}
	b.logger.Info(fmt.Sprintf("Seeded %d individuals", created))

	manifest := &Manifest{
		SessionID:      uuid.New().String(),
		Experiment:     cfg.Experiment.Name,
		CreatedAt:      time.Now().UTC(),
		ConfigPath:     cfg.Path,
		PopulationSize: created,
		ArenaType:      cfg.Arena.Type,
	}
	if err := writeManifest(b.layout.Marker(), manifest); err != nil {
		return nil, err
	}

	return manifest, nil
}

func (b *bootstrap) installScripts() error {
	exe := b.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to locate supervisor binary: %w", err)
		}
	}
	if err := copyFile(exe, b.layout.InstalledBinary(), 0755); err != nil {
		return fmt.Errorf("failed to install supervisor binary: %w", err)
	}

	script := GenerateResubmitScript(b.opts.Config.Experiment.Name)
	if err := os.WriteFile(b.layout.ResubmitScript(), []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write resubmission script: %w", err)
	}
	return nil
}

// rollback undoes a failed bootstrap on a best-effort basis.
func (b *bootstrap) rollback() {
	b.logger.Warn(fmt.Sprintf("Bootstrap failed, rolling back %s", b.layout.Base))

	if b.schemaTouched {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.opts.Store.DropSchema(ctx); err != nil {
			b.logger.Error(fmt.Sprintf("Rollback could not drop schema: %v", err))
		}
	}
	if err := os.RemoveAll(b.layout.Base); err != nil {
		b.logger.Error(fmt.Sprintf("Rollback could not remove %s: %v", b.layout.Base, err))
	}
}

func writeManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode bootstrap marker: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write bootstrap marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit bootstrap marker: %w", err)
	}
	return nil
}

// ReadManifest loads the bootstrap marker of an existing experiment.
func ReadManifest(layout Layout) (*Manifest, error) {
	data, err := os.ReadFile(layout.Marker())
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", layout.Marker(), err)
	}
	return &m, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
