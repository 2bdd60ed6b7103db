package menu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/livepatch"
	"github.com/brahma-adshonor/livepatch/asm"
	"github.com/brahma-adshonor/livepatch/config"
	"github.com/brahma-adshonor/livepatch/internal/fakemem"
)

const base = 0x100000

func newController(t *testing.T) (*Controller, *fakemem.Memory) {
	t.Helper()
	mem := fakemem.New()
	mem.Map(base, 0x1000)
	reg := livepatch.NewRegistry(livepatch.RegistryConfig{Memory: mem})
	return New(Config{Registry: reg}), mem
}

func TestToggle(t *testing.T) {
	c, mem := newController(t)
	require.NoError(t, c.Register(Feature{
		Name:       "infinite ammo",
		Arch:       asm.ARM64,
		Patches:    map[uint64]string{base + 0x10: "1F2003D5"},
		AsmPatches: map[uint64]string{base + 0x40: "mov w0, #1; ret"},
	}))
	assert.False(t, c.Enabled("infinite ammo"))

	require.NoError(t, c.Toggle("infinite ammo", true))
	assert.True(t, c.Enabled("infinite ammo"))
	assert.Equal(t, []byte{0x1f, 0x20, 0x03, 0xd5}, mem.Bytes(base+0x10, 4))
	assert.Equal(t, []byte{0x20, 0x00, 0x80, 0x52, 0xc0, 0x03, 0x5f, 0xd6}, mem.Bytes(base+0x40, 8))

	require.NoError(t, c.Toggle("infinite ammo", false))
	assert.False(t, c.Enabled("infinite ammo"))
	assert.Equal(t, make([]byte, 4), mem.Bytes(base+0x10, 4))
	assert.Equal(t, make([]byte, 8), mem.Bytes(base+0x40, 8))

	// Disabling twice is harmless.
	require.NoError(t, c.Toggle("infinite ammo", false))
}

func TestToggleUnknown(t *testing.T) {
	c, _ := newController(t)
	assert.ErrorIs(t, c.Toggle("nope", true), livepatch.ErrNotFound)
	assert.False(t, c.Enabled("nope"))
}

func TestToggleReportsEveryFailure(t *testing.T) {
	c, mem := newController(t)
	require.NoError(t, c.Register(Feature{
		Name:    "partial",
		Patches: map[uint64]string{base: "AA", 0x900000: "BB"},
		Hooks:   []string{"missing"},
	}))

	err := c.Toggle("partial", true)
	require.Error(t, err)

	var be *livepatch.BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"0x900000", "hook missing"}, be.Keys())
	assert.ErrorIs(t, err, livepatch.ErrWriteFault)
	assert.Equal(t, []byte{0xaa}, mem.Bytes(base, 1))
	assert.True(t, c.Enabled("partial"))
}

func TestRegisterDuplicate(t *testing.T) {
	c, _ := newController(t)
	require.NoError(t, c.Register(Feature{Name: "a"}))
	assert.ErrorIs(t, c.Register(Feature{Name: "a"}), livepatch.ErrDuplicateName)
	assert.Error(t, c.Register(Feature{}))
}

func TestFeaturesOrder(t *testing.T) {
	c, _ := newController(t)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, c.Register(Feature{Name: n, Description: strings.ToUpper(n)}))
	}
	require.NoError(t, c.Toggle("alpha", true))

	assert.Equal(t, []State{
		{Name: "zeta", Description: "ZETA"},
		{Name: "alpha", Description: "ALPHA", Enabled: true},
		{Name: "mid", Description: "MID"},
	}, c.Features())
}

func TestLoadConfig(t *testing.T) {
	c, mem := newController(t)
	cfg, err := config.Parse(strings.NewReader(`
features:
  - name: first
    enabled: true
    patches:
      - {offset: 0x100020, hex: "C0035FD6"}
  - name: second
    patches:
      - {offset: 0x100030, hex: "C0035FD6"}
`))
	require.NoError(t, err)

	require.NoError(t, c.LoadConfig(cfg))
	assert.True(t, c.Enabled("first"))
	assert.False(t, c.Enabled("second"))
	assert.Equal(t, []byte{0xc0, 0x03, 0x5f, 0xd6}, mem.Bytes(base+0x20, 4))
	assert.Equal(t, make([]byte, 4), mem.Bytes(base+0x30, 4))

	err = c.LoadConfig(cfg)
	assert.ErrorIs(t, err, livepatch.ErrDuplicateName)
}
