// Package menu is the feature toggle controller behind a patch menu. It owns
// no rendering: a UI lists Features and calls Toggle.
package menu

import (
	"io"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/livepatch"
	"github.com/brahma-adshonor/livepatch/asm"
	"github.com/brahma-adshonor/livepatch/config"
)

// Feature is a group of patches and named hooks switched on and off
// together.
type Feature struct {
	Name        string
	Description string
	Arch        asm.Arch
	// Patches are hex payloads keyed by offset.
	Patches map[uint64]string
	// AsmPatches are assembly payloads keyed by offset.
	AsmPatches map[uint64]string
	// Hooks name hooks already installed in the hook engine.
	Hooks []string
}

// State is a feature as listed by Features.
type State struct {
	Name        string
	Description string
	Enabled     bool
}

type Config struct {
	Registry *livepatch.Registry
	// Hooks may be nil when no feature toggles hooks.
	Hooks  *livepatch.HookEngine
	Logger *log.Logger
}

type Controller struct {
	reg   *livepatch.Registry
	hooks *livepatch.HookEngine
	log   *log.Logger

	mu       sync.Mutex
	features map[string]*feature
	order    []string
}

type feature struct {
	Feature

	// mu serializes toggles of one feature.
	mu      sync.Mutex
	enabled bool
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		reg:      cfg.Registry,
		hooks:    cfg.Hooks,
		log:      cfg.Logger,
		features: make(map[string]*feature),
	}
}

// Register adds a disabled feature. A zero Arch means the native one.
func (c *Controller) Register(f Feature) error {
	if f.Name == "" {
		return errors.New("feature without a name")
	}
	if f.Arch == asm.Unknown {
		f.Arch = asm.Native()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.features[f.Name]; ok {
		return &livepatch.Error{Kind: livepatch.ErrDuplicateName, Op: "register", Subject: f.Name}
	}
	c.features[f.Name] = &feature{Feature: f}
	c.order = append(c.order, f.Name)
	return nil
}

// LoadConfig registers every feature of cfg and enables those marked
// enabled. All failures are reported together.
func (c *Controller) LoadConfig(cfg *config.Config) error {
	be := &livepatch.BatchError{Op: "load config", Errors: make(map[string]error)}
	for _, cf := range cfg.Features {
		arch, err := cf.ArchTag()
		if err != nil {
			be.Errors[cf.Name] = err
			continue
		}
		f := Feature{
			Name:        cf.Name,
			Description: cf.Description,
			Arch:        arch,
			Patches:     cf.HexPatches(),
			AsmPatches:  cf.AsmPatches(),
			Hooks:       cf.Hooks,
		}
		if err := c.Register(f); err != nil {
			be.Errors[cf.Name] = err
			continue
		}
		if cf.Enabled {
			if err := c.Toggle(cf.Name, true); err != nil {
				be.Errors[cf.Name] = err
			}
		}
	}
	if len(be.Errors) != 0 {
		return be
	}
	return nil
}

// Toggle applies a feature's patches and enables its hooks, or reverts the
// patches and disables the hooks. Every patch and hook is attempted; the
// feature counts as enabled as requested even when some of them failed.
func (c *Controller) Toggle(name string, on bool) error {
	f, ok := c.feature(name)
	if !ok {
		return &livepatch.Error{Kind: livepatch.ErrNotFound, Op: "toggle", Subject: name}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	be := &livepatch.BatchError{Op: "toggle " + name, Errors: make(map[string]error)}
	if on {
		c.enable(f, be)
	} else {
		c.disable(f, be)
	}
	f.enabled = on

	if len(be.Errors) != 0 {
		c.log.Printf("[MENU] %s on=%t [FAIL] %v", name, on, be)
		return be
	}
	c.log.Printf("[MENU] %s on=%t [OK]", name, on)
	return nil
}

func (c *Controller) enable(f *feature, be *livepatch.BatchError) {
	switch {
	case len(f.Patches)+len(f.AsmPatches) == 0:
	case c.reg == nil:
		be.Errors["patches"] = errors.New("no patch registry")
	default:
		for _, res := range []livepatch.BatchResult{
			c.reg.ApplyPatches(f.Patches),
			c.reg.ApplyAsmPatches(f.AsmPatches, f.Arch),
		} {
			for off, err := range res.Failed {
				be.Errors[offsetKey(off)] = err
			}
		}
	}
	c.toggleHooks(f, true, be)
}

func (c *Controller) disable(f *feature, be *livepatch.BatchError) {
	offsets := make([]uint64, 0, len(f.Patches)+len(f.AsmPatches))
	for off := range f.Patches {
		offsets = append(offsets, off)
	}
	for off := range f.AsmPatches {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })

	if len(offsets) != 0 && c.reg == nil {
		be.Errors["patches"] = errors.New("no patch registry")
		offsets = nil
	}
	for _, off := range offsets {
		if err := c.reg.Revert(off); err != nil && !errors.Is(err, livepatch.ErrNotFound) {
			be.Errors[offsetKey(off)] = err
		}
	}
	c.toggleHooks(f, false, be)
}

func (c *Controller) toggleHooks(f *feature, on bool, be *livepatch.BatchError) {
	for _, h := range f.Hooks {
		if c.hooks == nil {
			be.Errors["hook "+h] = errors.New("no hook engine")
			continue
		}
		if err := c.hooks.Toggle(h, on); err != nil {
			be.Errors["hook "+h] = err
		}
	}
}

func (c *Controller) Enabled(name string) bool {
	f, ok := c.feature(name)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Features lists the features in registration order.
func (c *Controller) Features() []State {
	c.mu.Lock()
	list := make([]*feature, 0, len(c.order))
	for _, name := range c.order {
		list = append(list, c.features[name])
	}
	c.mu.Unlock()

	states := make([]State, 0, len(list))
	for _, f := range list {
		f.mu.Lock()
		states = append(states, State{Name: f.Name, Description: f.Description, Enabled: f.enabled})
		f.mu.Unlock()
	}
	return states
}

func (c *Controller) feature(name string) (*feature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.features[name]
	return f, ok
}

func offsetKey(off uint64) string {
	return "0x" + strconv.FormatUint(off, 16)
}
