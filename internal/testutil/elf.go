// Package testutil builds small guest executables for tests.
package testutil

import (
	"encoding/binary"
)

const (
	ET_EXEC    uint16 = 2
	ET_SCE_PRX uint16 = 0xFFA0
	EM_MIPS    uint16 = 8

	SHT_PROGBITS uint32 = 1
	SHT_STRTAB   uint32 = 3
	SHT_PSP_REL  uint32 = 0x700000A0

	SHF_ALLOC     uint32 = 2
	SHF_EXECINSTR uint32 = 4

	payloadOffset = 0x100
)

var le = binary.LittleEndian

// Section describes an allocated section inside the payload.
type Section struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Rel is one PSP relocation entry.
type Rel struct {
	Off  uint32
	Info uint32
}

// ELF is a single-segment 32-bit MIPS image.
type ELF struct {
	Type     uint16
	Machine  uint16
	Vaddr    uint32
	Paddr    uint32
	Entry    uint32
	Payload  []byte
	Bss      uint32
	Sections []Section
	Rels     []Rel
	// Filesz overrides the segment file size when non-zero.
	Filesz uint32
}

// PayloadOffset is the file offset of the segment bytes.
func PayloadOffset() uint32 {
	return payloadOffset
}

func (e ELF) Bytes() []byte {
	typ, machine := e.Type, e.Machine
	if typ == 0 {
		typ = ET_EXEC
	}
	if machine == 0 {
		machine = EM_MIPS
	}
	filesz := uint32(len(e.Payload))
	if e.Filesz != 0 {
		filesz = e.Filesz
	}

	out := make([]byte, payloadOffset, payloadOffset+len(e.Payload)+0x200)
	out = append(out, e.Payload...)
	out = pad(out, 4)

	type shdr struct {
		name, typ, flags, addr, off, size, link, info, align, entsize uint32
	}
	strtab := []byte{0}
	addName := func(name string) uint32 {
		off := uint32(len(strtab))
		strtab = append(append(strtab, name...), 0)
		return off
	}
	shdrs := []shdr{{}}
	for _, s := range e.Sections {
		shdrs = append(shdrs, shdr{
			name:  addName(s.Name),
			typ:   SHT_PROGBITS,
			flags: SHF_ALLOC | SHF_EXECINSTR,
			addr:  e.Vaddr + s.Offset,
			off:   payloadOffset + s.Offset,
			size:  s.Size,
			align: 4,
		})
	}
	if len(e.Rels) != 0 {
		off := uint32(len(out))
		for _, rel := range e.Rels {
			out = le.AppendUint32(out, rel.Off)
			out = le.AppendUint32(out, rel.Info)
		}
		shdrs = append(shdrs, shdr{
			name:    addName(".rel.text"),
			typ:     SHT_PSP_REL,
			off:     off,
			size:    uint32(8 * len(e.Rels)),
			info:    1,
			align:   4,
			entsize: 8,
		})
	}
	shstrndx := uint32(len(shdrs))
	shdrs = append(shdrs, shdr{name: addName(".shstrtab"), typ: SHT_STRTAB, align: 1})
	shdrs[shstrndx].off = uint32(len(out))
	shdrs[shstrndx].size = uint32(len(strtab))
	out = pad(append(out, strtab...), 4)

	shoff := uint32(len(out))
	for _, s := range shdrs {
		for _, v := range []uint32{s.name, s.typ, s.flags, s.addr, s.off, s.size, s.link, s.info, s.align, s.entsize} {
			out = le.AppendUint32(out, v)
		}
	}

	hdr := out[:payloadOffset]
	copy(hdr, []byte{0x7F, 'E', 'L', 'F', 1, 1, 1})
	le.PutUint16(hdr[16:], typ)
	le.PutUint16(hdr[18:], machine)
	le.PutUint32(hdr[20:], 1)
	le.PutUint32(hdr[24:], e.Entry)
	le.PutUint32(hdr[28:], 52)
	le.PutUint32(hdr[32:], shoff)
	le.PutUint16(hdr[40:], 52)
	le.PutUint16(hdr[42:], 32)
	le.PutUint16(hdr[44:], 1)
	le.PutUint16(hdr[46:], 40)
	le.PutUint16(hdr[48:], uint16(len(shdrs)))
	le.PutUint16(hdr[50:], uint16(shstrndx))

	ph := hdr[52:]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], payloadOffset)
	le.PutUint32(ph[8:], e.Vaddr)
	le.PutUint32(ph[12:], e.Paddr)
	le.PutUint32(ph[16:], filesz)
	le.PutUint32(ph[20:], uint32(len(e.Payload))+e.Bss)
	le.PutUint32(ph[24:], 7)
	le.PutUint32(ph[28:], 0x10)
	return out
}

func pad(b []byte, align int) []byte {
	for len(b)%align != 0 {
		b = append(b, 0)
	}
	return b
}
