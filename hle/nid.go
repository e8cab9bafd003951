package hle

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// NID returns the identifier the guest toolchain derives from a function
// name: the first four bytes of its SHA-1 digest, read little-endian.
func NID(name string) uint32 {
	sum := sha1.Sum([]byte(name))
	return binary.LittleEndian.Uint32(sum[:4])
}

// Key addresses one function or variable in the resolution registry.
type Key struct {
	Module string
	NID    uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s_%08X", k.Module, k.NID)
}
