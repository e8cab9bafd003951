package hle

import (
	"fmt"

	"github.com/wnxd/microdbg-prx/guest"
	"github.com/wnxd/microdbg/debugger"
)

// SlotSize is the size of one import call site: a dispatch instruction and
// the instruction in its delay slot.
const SlotSize = 8

const (
	opNop     uint32 = 0x00000000
	opJrRa    uint32 = 0x03E00008
	opSyscall uint32 = 0x0000000C
	opJ       uint32 = 0x08000000

	maxSyscallCode = 0xFFFFF
)

type TargetKind int

const (
	TargetSyscall TargetKind = iota + 1
	TargetGuest
)

func (k TargetKind) String() string {
	switch k {
	case TargetSyscall:
		return "syscall"
	case TargetGuest:
		return "guest"
	}
	return "unknown"
}

// Target is where a patched call site transfers control: a host syscall
// code or a guest address exported by another module.
type Target struct {
	Kind TargetKind
	Code uint32
	Addr uint32
}

// Patch is one pending write into a call-site slot.
type Patch struct {
	Addr uint32
	Ops  [2]uint32
}

func (t Target) Patch(addr uint32) Patch {
	switch t.Kind {
	case TargetGuest:
		return Patch{Addr: addr, Ops: [2]uint32{opJ | (t.Addr>>2)&0x03FFFFFF, opNop}}
	default:
		return Patch{Addr: addr, Ops: [2]uint32{opJrRa, opSyscall | (t.Code&maxSyscallCode)<<6}}
	}
}

// Apply writes the patch into guest memory. This mutates executable code;
// the caller owns any invalidation the execution engine needs.
func (p Patch) Apply(mem *guest.Memory) error {
	if !mem.Contains(p.Addr, SlotSize) {
		return fmt.Errorf("%w: call site %08x", debugger.ErrAddressInvalid, p.Addr)
	}
	for i, op := range p.Ops {
		if err := mem.Write32(p.Addr+uint32(i)*4, op); err != nil {
			return err
		}
	}
	return nil
}

// ReadSlot decodes the call site at addr back into its target.
func ReadSlot(mem *guest.Memory, addr uint32) (Target, error) {
	op0, err := mem.Read32(addr)
	if err != nil {
		return Target{}, err
	}
	op1, err := mem.Read32(addr + 4)
	if err != nil {
		return Target{}, err
	}
	switch {
	case op0 == opJrRa && op1&0xFC00003F == opSyscall:
		return Target{Kind: TargetSyscall, Code: op1 >> 6 & maxSyscallCode}, nil
	case op0&0xFC000000 == opJ && op1 == opNop:
		return Target{Kind: TargetGuest, Addr: (addr+4)&0xF0000000 | (op0&0x03FFFFFF)<<2}, nil
	}
	return Target{}, fmt.Errorf("%w: %08x %08x", debugger.ErrNotImplemented, op0, op1)
}
