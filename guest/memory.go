package guest

import (
	"fmt"
	"io"
	"slices"
	"unsafe"

	"github.com/wnxd/microdbg/debugger"
	"golang.org/x/exp/constraints"
)

// Memory is a flat little-endian guest address space starting at a fixed base.
// Every access is bounds checked; host slices handed out by Slice alias the
// backing store and must not be retained past the owning block's lifetime.
type Memory struct {
	base uint32
	data []byte
}

func NewMemory(base, size uint32) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

func (m *Memory) Base() uint32 {
	return m.base
}

func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

func (m *Memory) Contains(addr, size uint32) bool {
	begin := uint64(addr)
	end := begin + uint64(size)
	return begin >= uint64(m.base) && end <= uint64(m.base)+uint64(len(m.data))
}

func (m *Memory) Slice(addr, size uint32) ([]byte, error) {
	if !m.Contains(addr, size) {
		return nil, fmt.Errorf("%w: %08x+%x", debugger.ErrAddressInvalid, addr, size)
	}
	off := addr - m.base
	return m.data[off : off+size : off+size], nil
}

// ReadAt treats off as a guest address.
func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	if off < int64(m.base) || off >= int64(m.base)+int64(len(m.data)) {
		return 0, fmt.Errorf("%w: %08x", debugger.ErrAddressInvalid, off)
	}
	n := copy(b, m.data[off-int64(m.base):])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt treats off as a guest address. Partial writes are refused.
func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %08x", debugger.ErrAddressInvalid, off)
	}
	dst, err := m.Slice(uint32(off), uint32(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(dst, b), nil
}

func (m *Memory) SectionReader(addr, size uint32) *io.SectionReader {
	return io.NewSectionReader(m, int64(addr), int64(size))
}

func (m *Memory) Fill(addr, size uint32, v byte) error {
	dst, err := m.Slice(addr, size)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = v
	}
	return nil
}

func (m *Memory) Read8(addr uint32) (uint8, error) {
	return Load[uint8](m, addr)
}

func (m *Memory) Read16(addr uint32) (uint16, error) {
	return Load[uint16](m, addr)
}

func (m *Memory) Read32(addr uint32) (uint32, error) {
	return Load[uint32](m, addr)
}

func (m *Memory) Write32(addr, v uint32) error {
	return Store(m, addr, v)
}

// ReadString reads a NUL-terminated string of at most max bytes. A string
// that runs into max or the end of memory is returned unterminated.
func (m *Memory) ReadString(addr, max uint32) (string, error) {
	if !m.Contains(addr, 1) {
		return "", fmt.Errorf("%w: %08x", debugger.ErrAddressInvalid, addr)
	}
	avail := m.base + uint32(len(m.data)) - addr
	b, _ := m.Slice(addr, min(max, avail))
	if i := slices.Index(b, 0); i != -1 {
		b = b[:i]
	}
	return string(b), nil
}

func Load[T constraints.Unsigned](m *Memory, addr uint32) (T, error) {
	var v T
	b, err := m.Slice(addr, uint32(unsafe.Sizeof(v)))
	if err != nil {
		return 0, err
	}
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return T(u), nil
}

func Store[T constraints.Unsigned](m *Memory, addr uint32, v T) error {
	b, err := m.Slice(addr, uint32(unsafe.Sizeof(v)))
	if err != nil {
		return err
	}
	u := uint64(v)
	for i := range b {
		b[i] = byte(u)
		u >>= 8
	}
	return nil
}
