package guest

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/wnxd/microdbg/debugger"
	"github.com/wnxd/microdbg/emulator"
)

var (
	ErrNoSpace      = errors.New("guest partition exhausted")
	ErrOverlap      = errors.New("guest range already reserved")
	ErrNotAllocated = errors.New("guest block not allocated")
)

// Allocator hands out non-overlapping blocks of a guest partition.
type Allocator struct {
	mu     sync.Mutex
	start  uint32
	end    uint64
	blocks map[uint32]uint32
}

func NewAllocator(start, size uint32) *Allocator {
	return &Allocator{
		start:  start,
		end:    uint64(start) + uint64(size),
		blocks: make(map[uint32]uint32),
	}
}

// Alloc reserves size bytes at the lowest free address aligned to align,
// which must be a power of two.
func (a *Allocator) Alloc(size, align uint32) (emulator.MemRegion, error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return emulator.MemRegion{}, debugger.ErrArgumentInvalid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cursor := debugger.Align(uint64(a.start), uint64(align))
	for _, addr := range slices.Sorted(maps.Keys(a.blocks)) {
		if cursor+uint64(size) <= uint64(addr) {
			break
		}
		if end := uint64(addr) + uint64(a.blocks[addr]); end > cursor {
			cursor = debugger.Align(end, uint64(align))
		}
	}
	if cursor+uint64(size) > a.end {
		return emulator.MemRegion{}, fmt.Errorf("%w: no room for %x bytes", ErrNoSpace, size)
	}
	a.blocks[uint32(cursor)] = size
	return region(uint32(cursor), size), nil
}

// AllocAt reserves exactly [addr, addr+size).
func (a *Allocator) AllocAt(addr, size uint32) (emulator.MemRegion, error) {
	if size == 0 {
		return emulator.MemRegion{}, debugger.ErrArgumentInvalid
	}
	end := uint64(addr) + uint64(size)
	if addr < a.start || end > a.end {
		return emulator.MemRegion{}, fmt.Errorf("%w: %08x+%x outside partition", ErrNoSpace, addr, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for begin, n := range a.blocks {
		if uint64(begin) < end && uint64(addr) < uint64(begin)+uint64(n) {
			return emulator.MemRegion{}, fmt.Errorf("%w: %08x+%x overlaps %08x+%x", ErrOverlap, addr, size, begin, n)
		}
	}
	a.blocks[addr] = size
	return region(addr, size), nil
}

func (a *Allocator) Free(addr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blocks[addr]; !ok {
		return fmt.Errorf("%w: %08x", ErrNotAllocated, addr)
	}
	delete(a.blocks, addr)
	return nil
}

func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, size := range a.blocks {
		total += uint64(size)
	}
	return total
}

func (a *Allocator) Regions() []emulator.MemRegion {
	a.mu.Lock()
	defer a.mu.Unlock()
	regions := make([]emulator.MemRegion, 0, len(a.blocks))
	for _, addr := range slices.Sorted(maps.Keys(a.blocks)) {
		regions = append(regions, region(addr, a.blocks[addr]))
	}
	return regions
}

func (a *Allocator) Reset() {
	a.mu.Lock()
	clear(a.blocks)
	a.mu.Unlock()
}

func region(addr, size uint32) emulator.MemRegion {
	return emulator.MemRegion{Addr: uint64(addr), Size: uint64(size), Prot: emulator.MEM_PROT_ALL}
}
