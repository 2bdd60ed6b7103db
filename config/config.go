// Package config loads patch-set files: the target image and the features,
// each a group of patches and hooks toggled together.
package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/brahma-adshonor/livepatch"
	"github.com/brahma-adshonor/livepatch/asm"
)

type Config struct {
	// Image is the file name of the image the offsets are relative to. Empty
	// means offsets are absolute addresses.
	Image string `yaml:"image,omitempty"`
	// Wait is how long to wait for Image to be loaded.
	Wait     time.Duration `yaml:"wait,omitempty"`
	Debug    bool          `yaml:"debug,omitempty"`
	Features []Feature     `yaml:"features"`
}

type Feature struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Enabled     bool     `yaml:"enabled,omitempty"`
	Arch        string   `yaml:"arch,omitempty"`
	Patches     []Patch  `yaml:"patches,omitempty"`
	Hooks       []string `yaml:"hooks,omitempty"`
}

// Patch is one replacement, given either as hex bytes or as assembly.
type Patch struct {
	Offset Offset `yaml:"offset"`
	Hex    string `yaml:"hex,omitempty"`
	Asm    string `yaml:"asm,omitempty"`
}

// Offset accepts YAML integers as well as quoted "0x..." strings.
type Offset uint64

func (o *Offset) UnmarshalYAML(n *yaml.Node) error {
	var v uint64
	if err := n.Decode(&v); err == nil {
		*o = Offset(v)
		return nil
	}

	var s string
	if err := n.Decode(&s); err != nil {
		return errors.Errorf("line %d: offset must be an integer", n.Line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return errors.Errorf("line %d: invalid offset %q", n.Line, s)
	}
	*o = Offset(v)
	return nil
}

// Load reads and validates the patch-set file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return c, nil
}

// Parse decodes a patch-set file. Unknown keys are rejected and whitespace
// inside hex payloads is removed.
func Parse(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Config
	if err := dec.Decode(&c); err != nil {
		if err == io.EOF {
			return nil, errors.New("empty config")
		}
		return nil, errors.Wrap(err, "decode config")
	}

	for i := range c.Features {
		for j := range c.Features[i].Patches {
			p := &c.Features[i].Patches[j]
			p.Hex = strings.Join(strings.Fields(p.Hex), "")
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names, payloads and architectures. Errors name the feature
// and the offset at fault.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, f := range c.Features {
		if f.Name == "" {
			return errors.New("feature without a name")
		}
		if seen[f.Name] {
			return errors.Errorf("feature %q: duplicate name", f.Name)
		}
		seen[f.Name] = true

		if err := f.validate(); err != nil {
			return errors.Wrapf(err, "feature %q", f.Name)
		}
	}
	return nil
}

func (f Feature) validate() error {
	arch, err := f.ArchTag()
	if err != nil {
		return err
	}

	offsets := make(map[Offset]bool)
	for _, p := range f.Patches {
		if offsets[p.Offset] {
			return errors.Errorf("patch 0x%x: duplicate offset", uint64(p.Offset))
		}
		offsets[p.Offset] = true

		switch {
		case (p.Hex == "") == (p.Asm == ""):
			return errors.Errorf("patch 0x%x: exactly one of hex and asm is required", uint64(p.Offset))
		case p.Hex != "":
			if _, err := livepatch.DecodeHex(p.Hex); err != nil {
				return errors.Wrapf(err, "patch 0x%x", uint64(p.Offset))
			}
		default:
			if _, err := asm.Assemble(arch, p.Asm, uint64(p.Offset)); err != nil {
				return errors.Wrapf(err, "patch 0x%x", uint64(p.Offset))
			}
		}
	}

	for _, h := range f.Hooks {
		if h == "" {
			return errors.New("empty hook name")
		}
	}
	return nil
}

// ArchTag parses Arch, defaulting to the native architecture.
func (f Feature) ArchTag() (asm.Arch, error) {
	if f.Arch == "" {
		return asm.Native(), nil
	}
	return asm.ParseArch(f.Arch)
}

// HexPatches returns the hex payloads keyed by offset.
func (f Feature) HexPatches() map[uint64]string {
	m := make(map[uint64]string)
	for _, p := range f.Patches {
		if p.Hex != "" {
			m[uint64(p.Offset)] = p.Hex
		}
	}
	return m
}

// AsmPatches returns the assembly payloads keyed by offset.
func (f Feature) AsmPatches() map[uint64]string {
	m := make(map[uint64]string)
	for _, p := range f.Patches {
		if p.Asm != "" {
			m[uint64(p.Offset)] = p.Asm
		}
	}
	return m
}
