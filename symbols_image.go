package livepatch

import (
	"debug/elf"
	"debug/macho"
	"runtime"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/saferwall/pe"
)

type imageSymbol struct {
	name  string
	value uint64
	size  uint64
}

type symbolSlice []imageSymbol

func (a symbolSlice) Len() int           { return len(a) }
func (a symbolSlice) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a symbolSlice) Less(i, j int) bool { return a[i].value < a[j].value }

// ImageSymbols is the symbol table of an image file, relocated by the image's
// slide. Symbol tables are read from ELF and Mach-O files, export tables from
// PE files. System libraries that only exist in a shared cache have no file and must go
// through DynamicSymbols.
type ImageSymbols struct {
	Image  Image
	prefix string
	byName map[string]int
	symbol symbolSlice
}

func NewImageSymbols(img Image) (*ImageSymbols, error) {
	syms, prefix, err := readSymbols(img.Path)
	if err != nil {
		return nil, newError(ErrUnsupported, "symbols", quote(img.Path), err)
	}

	sort.Stable(syms)
	for i := range syms {
		if syms[i].size == 0 && i+1 < len(syms) {
			syms[i].size = syms[i+1].value - syms[i].value
		}
	}

	is := &ImageSymbols{Image: img, prefix: prefix, byName: make(map[string]int, len(syms)), symbol: syms}
	for i, s := range syms {
		if _, ok := is.byName[s.name]; !ok {
			is.byName[s.name] = i
		}
	}
	return is, nil
}

func (is *ImageSymbols) LookupSymbol(name string) (uintptr, error) {
	i, ok := is.byName[name]
	if !ok && is.prefix != "" {
		i, ok = is.byName[is.prefix+name]
	}
	if !ok {
		return 0, newError(ErrSymbolNotFound, "lookup", quote(name), nil)
	}
	return uintptr(is.symbol[i].value) + is.Image.Slide, nil
}

func (is *ImageSymbols) SymbolAt(addr uintptr) (Symbol, error) {
	v := uint64(addr - is.Image.Slide)
	i := sort.Search(len(is.symbol), func(i int) bool { return is.symbol[i].value > v })
	if i == 0 {
		return Symbol{}, newError(ErrSymbolNotFound, "symbolize", addrSubject(addr), nil)
	}

	s := is.symbol[i-1]
	if s.size != 0 && v >= s.value+s.size {
		return Symbol{}, newError(ErrSymbolNotFound, "symbolize", addrSubject(addr), nil)
	}
	return Symbol{Name: strings.TrimPrefix(s.name, is.prefix), Addr: uintptr(s.value) + is.Image.Slide, Size: s.size}, nil
}

// FuncSize returns the size of the function starting exactly at addr.
func (is *ImageSymbols) FuncSize(addr uintptr) (uint64, error) {
	s, err := is.SymbolAt(addr)
	if err != nil {
		return 0, err
	}
	if s.Addr != addr {
		return 0, newError(ErrSymbolNotFound, "func size", addrSubject(addr), errors.Errorf("inside %s", s.Name))
	}
	return s.Size, nil
}

func readSymbols(path string) (symbolSlice, string, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return elfSymbols(f)
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return machoSymbols(f)
	}
	if ff, err := macho.OpenFat(path); err == nil {
		defer ff.Close()
		for _, arch := range ff.Arches {
			if arch.Cpu == hostCPU() {
				return machoSymbols(arch.File)
			}
		}
		return nil, "", errors.Errorf("%s: no slice for %s", path, runtime.GOARCH)
	}
	if f, err := pe.New(path, &pe.Options{}); err == nil {
		defer f.Close()
		if err := f.Parse(); err != nil {
			return nil, "", errors.Wrapf(err, "%s: parse PE", path)
		}
		return peSymbols(f)
	}
	return nil, "", errors.Errorf("%s: not an ELF, Mach-O or PE file", path)
}

func elfSymbols(f *elf.File) (symbolSlice, string, error) {
	var syms symbolSlice
	add := func(list []elf.Symbol) {
		for _, s := range list {
			if s.Value == 0 || s.Section == elf.SHN_UNDEF {
				continue
			}
			t := elf.ST_TYPE(s.Info)
			if t != elf.STT_FUNC && t != elf.STT_OBJECT {
				continue
			}
			syms = append(syms, imageSymbol{name: s.Name, value: s.Value, size: s.Size})
		}
	}

	dyn, derr := f.DynamicSymbols()
	add(dyn)
	all, serr := f.Symbols()
	add(all)
	if len(syms) == 0 {
		if derr != nil {
			return nil, "", errors.Wrap(derr, "dynamic symbols")
		}
		return nil, "", errors.Wrap(serr, "symbols")
	}
	return syms, "", nil
}

func machoSymbols(f *macho.File) (symbolSlice, string, error) {
	if f.Symtab == nil {
		return nil, "", errors.New("no symbol table")
	}

	var syms symbolSlice
	for _, s := range f.Symtab.Syms {
		// N_STAB entries are debugging records, N_SECT marks defined symbols.
		if s.Type&0xe0 != 0 || s.Type&0x0e != 0x0e || s.Value == 0 {
			continue
		}
		syms = append(syms, imageSymbol{name: s.Name, value: s.Value})
	}
	return syms, "_", nil
}

// peSymbols lists the exported functions. Forwarded exports live in another
// module and are skipped.
func peSymbols(f *pe.File) (symbolSlice, string, error) {
	var base uint64
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader64:
		base = oh.ImageBase
	case pe.ImageOptionalHeader32:
		base = uint64(oh.ImageBase)
	}

	var syms symbolSlice
	for _, fn := range f.Export.Functions {
		if fn.Name == "" || fn.Forwarder != "" || fn.FunctionRVA == 0 {
			continue
		}
		syms = append(syms, imageSymbol{name: fn.Name, value: base + uint64(fn.FunctionRVA)})
	}
	if len(syms) == 0 {
		return nil, "", errors.New("no exported functions")
	}
	return syms, "", nil
}

func hostCPU() macho.Cpu {
	if runtime.GOARCH == "arm64" {
		return macho.CpuArm64
	}
	return macho.CpuAmd64
}
