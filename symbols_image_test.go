package livepatch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type elfSym struct {
	name  string
	value uint64
	size  uint64
	typ   elf.SymType
}

// strtab is an ELF string table under construction.
type strtab struct {
	bytes.Buffer
}

func (s *strtab) add(name string) uint32 {
	if s.Len() == 0 {
		s.WriteByte(0)
	}
	off := uint32(s.Len())
	s.WriteString(name)
	s.WriteByte(0)
	return off
}

// writeELF writes a section-only ELF64 file whose .symtab holds syms, all
// defined in .text.
func writeELF(t *testing.T, syms []elfSym) string {
	t.Helper()

	var shstr, str strtab
	textName := shstr.add(".text")
	symtabName := shstr.add(".symtab")
	strtabName := shstr.add(".strtab")
	shstrtabName := shstr.add(".shstrtab")

	var symtab bytes.Buffer
	le := binary.LittleEndian
	require.NoError(t, binary.Write(&symtab, le, elf.Sym64{}))
	for _, s := range syms {
		require.NoError(t, binary.Write(&symtab, le, elf.Sym64{
			Name:  str.add(s.name),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, s.typ),
			Shndx: 1,
			Value: s.value,
			Size:  s.size,
		}))
	}

	const headerSize = 64
	var body bytes.Buffer
	place := func(data []byte) uint64 {
		for (headerSize+body.Len())%8 != 0 {
			body.WriteByte(0)
		}
		off := uint64(headerSize + body.Len())
		body.Write(data)
		return off
	}
	symtabOff := place(symtab.Bytes())
	strtabOff := place(str.Bytes())
	shstrtabOff := place(shstr.Bytes())
	shoff := place(nil)

	sections := []elf.Section64{
		{},
		{Name: textName, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Addr: 0x401000, Addralign: 16},
		{Name: symtabName, Type: uint32(elf.SHT_SYMTAB), Off: symtabOff, Size: uint64(symtab.Len()), Link: 3, Info: 1, Addralign: 8, Entsize: elf.Sym64Size},
		{Name: strtabName, Type: uint32(elf.SHT_STRTAB), Off: strtabOff, Size: uint64(str.Len()), Addralign: 1},
		{Name: shstrtabName, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint64(shstr.Len()), Addralign: 1},
	}
	for _, sh := range sections {
		require.NoError(t, binary.Write(&body, le, sh))
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  4,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var file bytes.Buffer
	require.NoError(t, binary.Write(&file, le, hdr))
	file.Write(body.Bytes())

	path := filepath.Join(t.TempDir(), "image.elf")
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))
	return path
}

func TestImageSymbolsELF(t *testing.T) {
	path := writeELF(t, []elfSym{
		{name: "main.work", value: 0x401000, size: 0x40, typ: elf.STT_FUNC},
		{name: "main.next", value: 0x401040, typ: elf.STT_FUNC},
		{name: "main.data", value: 0x401080, size: 8, typ: elf.STT_OBJECT},
		{name: "main.go", typ: elf.STT_FILE},
	})

	syms, err := NewImageSymbols(Image{Path: path, Base: 0x400000, Slide: 0x1000})
	require.NoError(t, err)

	addr, err := syms.LookupSymbol("main.work")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x402000), addr)

	_, err = syms.LookupSymbol("main.go")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = syms.LookupSymbol("no.such.symbol")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	s, err := syms.SymbolAt(0x402004)
	require.NoError(t, err)
	assert.Equal(t, Symbol{Name: "main.work", Addr: 0x402000, Size: 0x40}, s)

	// A zero size extends to the next symbol.
	size, err := syms.FuncSize(0x402040)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40), size)

	_, err = syms.FuncSize(0x402004)
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	for _, addr := range []uintptr{0x401fff, 0x402088} {
		_, err := syms.SymbolAt(addr)
		assert.ErrorIs(t, err, ErrSymbolNotFound, "0x%x", addr)
	}
}

func TestImageSymbolsNotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an object file"), 0o644))

	_, err := NewImageSymbols(Image{Path: path})
	assert.ErrorIs(t, err, ErrUnsupported)
}
