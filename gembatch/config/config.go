// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for gembatch. Each setting that can be changed from the command line must
// have a corresponding flag defined in flags.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// Config holds configuration that is not part of a single command.
type Config struct {
	// ConfigFile is an optional TOML or YAML file. Settings from it apply to
	// flags not given on the command line.
	ConfigFile string `flag:"config"`

	// Device is the DRM render node to open.
	Device string `flag:"device"`

	// Fake runs commands on an in-process emulation of the kernel driver.
	Fake bool `flag:"fake"`

	// FakeGen is the hardware generation emulated with Fake.
	FakeGen int `flag:"fake-gen"`

	// Gen overrides the generation looked up from the chipset id when
	// non-zero.
	Gen int `flag:"gen"`

	// Context is the GEM context batches are submitted on.
	Context uint `flag:"context"`

	// Seed seeds address proposals. Zero picks a random seed.
	Seed uint `flag:"seed"`

	// EnforceRelocs makes the kernel relocate every address.
	EnforceRelocs bool `flag:"enforce-relocs"`

	// DumpBatches makes every submission synchronous and logs it.
	DumpBatches bool `flag:"dump-batches"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// DebugLog is an additional location for logs. %TIMESTAMP%, %COMMAND%
	// and %PID% are substituted.
	DebugLog string `flag:"debug-log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format"`

	// BatchSize is the size of each batch buffer in bytes.
	BatchSize uint `flag:"batch-size"`

	// LockFile, if set, is locked for the lifetime of the device so that
	// concurrent gembatch runs sharing a GPU are serialized.
	LockFile string `flag:"lock-file"`

	// Generations maps PCI device ids to generations, on top of the builtin
	// table. Only set from the config file.
	Generations map[uint16]int
}

// File is the layout of the config file.
type File struct {
	Device        string         `toml:"device" yaml:"device"`
	Seed          uint           `toml:"seed" yaml:"seed"`
	Debug         bool           `toml:"debug" yaml:"debug"`
	EnforceRelocs bool           `toml:"enforce_relocs" yaml:"enforce_relocs"`
	BatchSize     uint           `toml:"batch_size" yaml:"batch_size"`
	LockFile      string         `toml:"lock_file" yaml:"lock_file"`
	Generations   map[string]int `toml:"generations" yaml:"generations"`
}

// LoadFile reads a config file. Files ending in .yaml or .yml are YAML, all
// others TOML. Unknown keys are an error in both.
func LoadFile(path string) (*File, error) {
	var (
		f   File
		err error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = loadYAML(path, &f)
	default:
		err = loadTOML(path, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return &f, nil
}

func loadTOML(path string, f *File) error {
	md, err := toml.DecodeFile(path, f)
	if err != nil {
		return err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("unknown keys %v", undec)
	}
	return nil
}

func loadYAML(path string, f *File) error {
	r, err := os.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	return dec.Decode(f)
}

// apply copies settings from f into c, skipping flags in set.
func (c *Config) apply(f *File, set map[string]bool) error {
	if f.Device != "" && !set["device"] {
		c.Device = f.Device
	}
	if f.Seed != 0 && !set["seed"] {
		c.Seed = f.Seed
	}
	if f.Debug && !set["debug"] {
		c.Debug = true
	}
	if f.EnforceRelocs && !set["enforce-relocs"] {
		c.EnforceRelocs = true
	}
	if f.BatchSize != 0 && !set["batch-size"] {
		c.BatchSize = f.BatchSize
	}
	if f.LockFile != "" && !set["lock-file"] {
		c.LockFile = f.LockFile
	}
	for id, gen := range f.Generations {
		v, err := strconv.ParseUint(id, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid PCI id %q: %w", id, err)
		}
		if c.Generations == nil {
			c.Generations = make(map[uint16]int)
		}
		c.Generations[uint16(v)] = gen
	}
	return nil
}

// generations is a subset of the PCI ids supported by i915.
var generations = map[uint16]int{
	0x0126: 6,  // Sandybridge GT2
	0x0166: 7,  // Ivybridge GT2
	0x0416: 7,  // Haswell GT2
	0x1616: 8,  // Broadwell GT2
	0x22b0: 8,  // Cherryview
	0x1916: 9,  // Skylake GT2
	0x5916: 9,  // Kabylake GT2
	0x3e92: 9,  // Coffeelake GT2
	0x8a52: 11, // Icelake GT2
	0x9a49: 12, // Tigerlake GT2
	0x4680: 12, // Alderlake-S
	0x46a6: 12, // Alderlake-P
	0xa780: 12, // Raptorlake-S
	0x56a0: 12, // DG2
}

// GenFor returns the hardware generation of chipset id.
func (c *Config) GenFor(id uint16) (int, error) {
	if c.Gen != 0 {
		return c.Gen, nil
	}
	if gen, ok := c.Generations[id]; ok {
		return gen, nil
	}
	if gen, ok := generations[id]; ok {
		return gen, nil
	}
	return 0, fmt.Errorf("unknown chipset %#04x, set --gen or add it to the config file", id)
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.FakeGen < 2 {
		return fmt.Errorf("invalid fake generation %d", c.FakeGen)
	}
	if c.Gen < 0 {
		return fmt.Errorf("invalid generation %d", c.Gen)
	}
	if uint64(c.Context) > 1<<32-1 {
		return fmt.Errorf("context id %d out of range", c.Context)
	}
	return nil
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config: device %q, fake %t (gen %d), gen override %d, context %d", c.Device, c.Fake, c.FakeGen, c.Gen, c.Context)
	log.Infof("Config: seed %d, enforce relocs %t, dump batches %t, batch size %d, lock file %q", c.Seed, c.EnforceRelocs, c.DumpBatches, c.BatchSize, c.LockFile)
	if c.ConfigFile != "" {
		log.Infof("Config: file %q, %d extra generations", c.ConfigFile, len(c.Generations))
	}
}
