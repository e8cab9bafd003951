package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wnxd/microdbg-prx/guest"
	"go.uber.org/zap"
)

// relocate applies the PSP-specific relocation sections. Their r_info packs
// the type in bits 0-3, the index of the segment holding r_offset in bits
// 8-15 and the index of the segment the value is relative to in bits 16-23.
func (img *Image) relocate(mem *guest.Memory, segs []uint32) error {
	for _, s := range img.f.Sections {
		switch s.Type {
		case SHT_PSP_REL:
		case elf.SHT_REL:
			Logger().Warn("classic relocations are not supported", zap.String("section", s.Name))
			continue
		default:
			continue
		}
		if int(s.Info) >= len(img.f.Sections) || img.f.Sections[s.Info].Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("%w: section %s: %w", ErrMalformed, s.Name, err)
		}
		if err = applyRel32(mem, parseRel32(bytes.NewReader(data)), segs); err != nil {
			return err
		}
	}
	return nil
}

func parseRel32(r io.Reader) (rels []elf.Rel32) {
	for {
		var rel elf.Rel32
		err := binary.Read(r, binary.LittleEndian, &rel)
		if err != nil {
			break
		}
		rels = append(rels, rel)
	}
	return
}

func applyRel32(mem *guest.Memory, rels []elf.Rel32, segs []uint32) error {
	for i, rel := range rels {
		typ := elf.R_MIPS(rel.Info & 0xF)
		rw := int(rel.Info >> 8 & 0xFF)
		rb := int(rel.Info >> 16 & 0xFF)
		if rw >= len(segs) || rb >= len(segs) {
			return fmt.Errorf("%w: relocation %d names segment %d/%d", ErrMalformed, i, rw, rb)
		}
		addr := rel.Off + segs[rw]
		op, err := mem.Read32(addr)
		if err != nil {
			return fmt.Errorf("%w: relocation %d: %w", ErrMalformed, i, err)
		}
		to := segs[rb]
		switch typ {
		case elf.R_MIPS_32:
			op += to
		case elf.R_MIPS_26:
			op = op&0xFC000000 | (op&0x03FFFFFF+to>>2)&0x03FFFFFF
		case elf.R_MIPS_HI16:
			cur := op<<16 + to
			for _, lo := range rels[i+1:] {
				if elf.R_MIPS(lo.Info&0xF) != elf.R_MIPS_LO16 {
					continue
				}
				loOp, err := mem.Read32(lo.Off + segs[rw])
				if err != nil {
					return fmt.Errorf("%w: relocation %d: %w", ErrMalformed, i, err)
				}
				cur += uint32(int32(int16(loOp)))
				break
			}
			op = op&0xFFFF0000 | (cur+0x8000)>>16
		case elf.R_MIPS_LO16:
			op = op&0xFFFF0000 | (op+to)&0xFFFF
		case elf.R_MIPS_NONE, elf.R_MIPS_GPREL16:
			continue
		default:
			Logger().Warn("unknown relocation type", zap.Stringer("type", typ), zap.Uint32("addr", addr))
			continue
		}
		if err = mem.Write32(addr, op); err != nil {
			return err
		}
	}
	return nil
}
