// Package manifest loads loon.toml, the declarative sandbox profile a
// host directory can carry. A manifest pins the resource limits and
// collector tuning scripts in that tree run under, so deployments can
// tighten budgets without recompiling the host.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/naerbnic/loon/vm"
)

// Filename is the manifest file name searched for.
const Filename = "loon.toml"

// ErrNotFound is returned when no manifest exists in the searched tree.
var ErrNotFound = errors.New("manifest not found")

// Manifest is the parsed loon.toml.
type Manifest struct {
	Limits Limits `toml:"limits"`
	GC     GC     `toml:"gc"`

	// Dir is the directory the manifest was loaded from; empty for
	// Default().
	Dir string `toml:"-"`
}

// Limits configures the sandbox budgets.
type Limits struct {
	// MemoryCeiling in bytes. 0 selects the engine default.
	MemoryCeiling int64 `toml:"memory-ceiling"`

	// StepBudget per top-level call. 0 = unlimited.
	StepBudget uint64 `toml:"step-budget"`

	// MaxCallDepth bounds script recursion. 0 selects the default.
	MaxCallDepth int `toml:"max-call-depth"`
}

// GC configures collector pacing.
type GC struct {
	// TriggerFraction of the ceiling at which a cycle is armed.
	TriggerFraction float64 `toml:"trigger-fraction"`

	// StepWork is the objects processed per incremental step.
	StepWork int `toml:"step-work"`
}

// Default returns a manifest with every field zero, deferring to the
// engine defaults.
func Default() *Manifest {
	return &Manifest{}
}

// Load reads and validates the manifest in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, Filename)
	var m Manifest
	meta, err := toml.DecodeFile(path, &m)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undec[0].String())
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	m.Dir = dir
	return &m, nil
}

// FindAndLoad searches dir and its ancestors for a manifest, returning
// Default() when the walk reaches the filesystem root without a hit.
func FindAndLoad(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		m, err := Load(abs)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return Default(), nil
		}
		abs = parent
	}
}

func (m *Manifest) validate() error {
	if m.Limits.MemoryCeiling < 0 {
		return fmt.Errorf("limits.memory-ceiling %d is negative", m.Limits.MemoryCeiling)
	}
	if m.Limits.MaxCallDepth < 0 {
		return fmt.Errorf("limits.max-call-depth %d is negative", m.Limits.MaxCallDepth)
	}
	if f := m.GC.TriggerFraction; f < 0 || f >= 1 {
		return fmt.Errorf("gc.trigger-fraction %g outside [0, 1)", f)
	}
	if m.GC.StepWork < 0 {
		return fmt.Errorf("gc.step-work %d is negative", m.GC.StepWork)
	}
	return nil
}

// Config converts the manifest into engine construction parameters.
// Zero manifest fields keep the engine defaults.
func (m *Manifest) Config() vm.Config {
	return vm.Config{
		MemoryCeiling:     m.Limits.MemoryCeiling,
		StepBudget:        m.Limits.StepBudget,
		MaxCallDepth:      m.Limits.MaxCallDepth,
		GCTriggerFraction: m.GC.TriggerFraction,
		GCStepWork:        m.GC.StepWork,
	}
}

// Write serializes the manifest to dir/loon.toml.
func (m *Manifest) Write(dir string) error {
	path := filepath.Join(dir, Filename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
