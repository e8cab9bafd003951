package prx

import (
	"bytes"
	"encoding/binary"

	"github.com/wnxd/microdbg-prx/elf"
	"github.com/wnxd/microdbg-prx/guest"
)

const moduleInfoSize = 52

// ModuleInfo is the header every executable carries in
// .rodata.sceModuleInfo.
// The export table bounds come before the import (stub) table bounds.
type ModuleInfo struct {
	Attr       uint16
	Version    [2]uint8
	Name       [28]byte
	GP         uint32
	LibEnt     uint32
	LibEntEnd  uint32
	LibStub    uint32
	LibStubEnd uint32
}

// ModuleName cuts a fixed-size name at its first NUL. Names that fill the
// whole field have no terminator.
func ModuleName(raw [28]byte) string {
	if i := bytes.IndexByte(raw[:], 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw[:])
}

func moduleInfoAddr(img *elf.Image, m *elf.Mapping) uint32 {
	if s, ok := m.Section(".rodata.sceModuleInfo"); ok {
		return s.Addr
	}
	paddr, offset, _ := img.FirstSegment()
	return m.Base() + paddr&0x7FFFFFFF - offset
}

func readModuleInfo(mem *guest.Memory, addr uint32) (*ModuleInfo, error) {
	if !mem.Contains(addr, moduleInfoSize) {
		return nil, newError(KindCorruptFile, nil, "module info at %08x outside guest memory", addr)
	}
	var info ModuleInfo
	if err := binary.Read(mem.SectionReader(addr, moduleInfoSize), binary.LittleEndian, &info); err != nil {
		return nil, newError(KindCorruptFile, err, "module info at %08x", addr)
	}
	return &info, nil
}
