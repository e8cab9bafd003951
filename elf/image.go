package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/wnxd/microdbg-prx/guest"
	"github.com/wnxd/microdbg/emulator"
	"go.uber.org/zap"
)

const (
	ET_SCE_PRX  elf.Type        = 0xFFA0
	SHT_PSP_REL elf.SectionType = 0x700000A0
)

var (
	ErrBadMagic   = errors.New("bad executable magic")
	ErrMalformed  = errors.New("malformed executable")
	ErrNoSegments = errors.New("no loadable segments")
	ErrReserve    = errors.New("cannot reserve guest memory")
)

// Reserver hands out guest memory blocks.
type Reserver interface {
	Alloc(size, align uint32) (emulator.MemRegion, error)
	AllocAt(addr, size uint32) (emulator.MemRegion, error)
	Free(addr uint32) error
}

type Image struct {
	f *elf.File
}

type Segment struct {
	Addr, Size uint32
}

type Section struct {
	Addr, Size uint32
}

// Mapping is the result of copying an image into guest memory.
type Mapping struct {
	Region   emulator.MemRegion
	Entry    uint32
	Delta    uint32
	Segments []Segment
	sections map[string]Section
}

// Open validates data as a 32-bit little-endian MIPS executable.
func Open(data []byte) (*Image, error) {
	if len(data) < len(elf.ELFMAG) || string(data[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return nil, ErrBadMagic
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %v %v", ErrMalformed, f.Class, f.Data)
	}
	if f.Machine != elf.EM_MIPS {
		return nil, fmt.Errorf("%w: %v", emulator.ErrArchMismatch, f.Machine)
	}
	return &Image{f: f}, nil
}

func (img *Image) Type() elf.Type {
	return img.f.Type
}

// Relocatable reports whether the image may be placed at any address.
func (img *Image) Relocatable() bool {
	return img.f.Type == ET_SCE_PRX
}

// Map reserves the span covered by the loadable segments and copies them
// into mem. Relocatable images go to loadAddr, or anywhere when it is zero;
// fixed images go to their own addresses.
func (img *Image) Map(mem *guest.Memory, res Reserver, loadAddr uint32) (*Mapping, error) {
	var begin uint64 = math.MaxUint64
	var end uint64 = 0
	for _, prog := range img.f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment file size %x exceeds memory size %x", ErrMalformed, prog.Filesz, prog.Memsz)
		}
		if prog.Vaddr < begin {
			begin = prog.Vaddr
		}
		if e := prog.Vaddr + prog.Memsz; e > end {
			end = e
		}
	}
	if end <= begin {
		return nil, ErrNoSegments
	}
	if end > math.MaxUint32+1 {
		return nil, fmt.Errorf("%w: span %x-%x", ErrMalformed, begin, end)
	}
	size := uint32(end - begin)
	var region emulator.MemRegion
	var err error
	switch {
	case !img.Relocatable():
		region, err = res.AllocAt(uint32(begin), size)
	case loadAddr != 0:
		region, err = res.AllocAt(loadAddr, size)
	default:
		region, err = res.Alloc(size, 0x100)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReserve, err)
	}
	m, err := img.mapRegion(mem, region, uint32(begin))
	if err != nil {
		res.Free(uint32(region.Addr))
		return nil, err
	}
	return m, nil
}

func (img *Image) mapRegion(mem *guest.Memory, region emulator.MemRegion, begin uint32) (*Mapping, error) {
	base := uint32(region.Addr)
	if err := mem.Fill(base, uint32(region.Size), 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReserve, err)
	}
	m := &Mapping{
		Region:   region,
		Delta:    base - begin,
		sections: make(map[string]Section),
	}
	progAddrs := make([]uint32, len(img.f.Progs))
	for i, prog := range img.f.Progs {
		progAddrs[i] = uint32(prog.Vaddr) + m.Delta
		if prog.Type != elf.PT_LOAD {
			continue
		}
		m.Segments = append(m.Segments, Segment{Addr: progAddrs[i], Size: uint32(prog.Memsz)})
		if prog.Filesz == 0 {
			continue
		}
		w := io.NewOffsetWriter(mem, int64(progAddrs[i]))
		if _, err := io.CopyN(w, prog.Open(), int64(prog.Filesz)); err != nil {
			return nil, fmt.Errorf("%w: segment %d: %w", ErrMalformed, i, err)
		}
	}
	for _, s := range img.f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Name == "" {
			continue
		}
		if _, ok := m.sections[s.Name]; !ok {
			m.sections[s.Name] = Section{Addr: uint32(s.Addr) + m.Delta, Size: uint32(s.Size)}
		}
	}
	if img.Relocatable() {
		if err := img.relocate(mem, progAddrs); err != nil {
			return nil, err
		}
	}
	m.Entry = uint32(img.f.Entry) + m.Delta
	Logger().Debug("image mapped",
		zap.Uint32("base", base),
		zap.Uint32("size", uint32(region.Size)),
		zap.Uint32("entry", m.Entry),
		zap.Int("segments", len(m.Segments)))
	return m, nil
}

func (m *Mapping) Base() uint32 {
	return uint32(m.Region.Addr)
}

func (m *Mapping) Section(name string) (Section, bool) {
	s, ok := m.sections[name]
	return s, ok
}

// FirstSegment returns the physical address and file offset of the first
// program header, which older images use to locate their module info.
func (img *Image) FirstSegment() (paddr, offset uint32, ok bool) {
	if len(img.f.Progs) == 0 {
		return 0, 0, false
	}
	prog := img.f.Progs[0]
	return uint32(prog.Paddr), uint32(prog.Off), true
}
