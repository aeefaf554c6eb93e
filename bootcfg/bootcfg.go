// Package bootcfg loads the boot manifest that hands the PMM its
// physical regions and the VFS its initial mount list. The manifest is
// TOML; errors crossing this boundary are wrapped with
// github.com/pkg/errors so an operator sees where a bad manifest came
// from.
package bootcfg

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/novaos-project/novaos/mem"
)

// Region mirrors mem.Region in TOML's field-name casing.
type Region struct {
	PFNStart uint64 `toml:"pfn_start"`
	NFrames  uint64 `toml:"nframes"`
	Reserved bool   `toml:"reserved"`
	Platform string `toml:"platform"`
}

// Mount describes one filesystem to mount at boot, identified by a
// backend name (cmd/novactl resolves "tmpfs" to tmpfs.New, leaving room
// for further backends without changing the manifest schema).
type Mount struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Device  string `toml:"device"`
	Options string `toml:"options"`
}

// Config is the top-level boot manifest shape.
type Config struct {
	Regions []Region `toml:"region"`
	Mounts  []Mount  `toml:"mount"`
}

// Load parses the TOML manifest at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "bootcfg: read manifest")
	}
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, errors.Wrap(err, "bootcfg: parse manifest")
	}
	if len(cfg.Regions) == 0 {
		return nil, errors.New("bootcfg: manifest declares no physical regions")
	}
	return &cfg, nil
}

// MemRegions converts the manifest's regions into mem.Region values
// ready for mem.Init.
func (c *Config) MemRegions() []mem.Region {
	out := make([]mem.Region, len(c.Regions))
	for i, r := range c.Regions {
		out[i] = mem.Region{
			PFNStart: r.PFNStart,
			NFrames:  r.NFrames,
			Reserved: r.Reserved,
			Platform: r.Platform,
		}
	}
	return out
}
