package livepatch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

// SystemImages enumerates the ELF images mapped into the current process
// using /proc/self/maps.
type SystemImages struct{}

func (SystemImages) Images() ([]LoadedImage, error) {
	maps, err := readMaps()
	if err != nil {
		return nil, err
	}

	mem := NewProcessMemory()
	seen := make(map[string]bool)

	var images []LoadedImage
	for _, m := range maps {
		if m.offset != 0 || len(m.path) == 0 || m.path[0] != '/' || seen[m.path] {
			continue
		}
		seen[m.path] = true

		base, err := elfLinkBase(mem, m.start)
		if err != nil {
			continue
		}
		images = append(images, LoadedImage{Path: m.path, Base: base, Slide: m.start - base})
	}
	return images, nil
}

// elfLinkBase reads the ELF header mapped at header and returns the page
// aligned link-time address of its first loadable segment.
func elfLinkBase(mem Memory, header uintptr) (uintptr, error) {
	raw, err := mem.Read(header, binary.Size(elf.Header64{}))
	if err != nil {
		return 0, err
	}
	if !bytes.HasPrefix(raw, []byte(elf.ELFMAG)) || elf.Class(raw[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return 0, errors.Errorf("0x%x: not an ELF64 image", header)
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return 0, errors.Wrap(err, "elf header")
	}

	phsize := int(hdr.Phentsize)
	if phsize < binary.Size(elf.Prog64{}) || hdr.Phnum == 0 {
		return 0, errors.Errorf("0x%x: no program headers", header)
	}
	table, err := mem.Read(header+uintptr(hdr.Phoff), phsize*int(hdr.Phnum))
	if err != nil {
		return 0, err
	}

	for i := 0; i < int(hdr.Phnum); i++ {
		var prog elf.Prog64
		if err := binary.Read(bytes.NewReader(table[i*phsize:]), binary.LittleEndian, &prog); err != nil {
			return 0, errors.Wrap(err, "program header")
		}
		if elf.ProgType(prog.Type) == elf.PT_LOAD {
			return pageStart(uintptr(prog.Vaddr - prog.Off)), nil
		}
	}
	return 0, errors.Errorf("0x%x: no loadable segment", header)
}
