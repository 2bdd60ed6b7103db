package livepatch

import (
	"debug/elf"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageSymbols(t *testing.T) {
	img, err := NewResolver(nil).ResolveExecutable()
	require.NoError(t, err)

	f, err := elf.Open(img.Path)
	require.NoError(t, err)
	_, serr := f.Symbols()
	f.Close()
	if serr != nil {
		t.Skipf("test binary has no symbol table: %v", serr)
	}

	syms, err := NewImageSymbols(img)
	require.NoError(t, err)

	const name = "github.com/brahma-adshonor/livepatch.DecodeHex"
	fn := reflect.ValueOf(DecodeHex).Pointer()

	addr, err := syms.LookupSymbol(name)
	require.NoError(t, err)
	assert.Equal(t, fn, addr)

	s, err := syms.SymbolAt(fn + 4)
	require.NoError(t, err)
	assert.Equal(t, name, s.Name)
	assert.Equal(t, fn, s.Addr)

	size, err := syms.FuncSize(fn)
	require.NoError(t, err)
	assert.Greater(t, size, uint64(4))

	_, err = syms.FuncSize(fn + 4)
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	_, err = syms.LookupSymbol("no.such.symbol")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestSystemImages(t *testing.T) {
	images, err := SystemImages{}.Images()
	require.NoError(t, err)
	require.NotEmpty(t, images)

	img, err := NewResolver(imageList(images)).ResolveExecutable()
	require.NoError(t, err)

	// The ELF magic sits at the start of the mapped image.
	head, err := NewProcessMemory().Read(img.Address(0), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x7fELF"), head)
}
