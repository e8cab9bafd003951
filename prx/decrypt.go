package prx

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.uber.org/zap"
)

const (
	magicPSP uint32 = 0x5053507E // "~PSP"
	magicSCE uint32 = 0x4543537E // "~SCE"

	pspHeaderSize = 0x150
)

// Decrypter turns an encrypted image into a plain one. It writes into out
// and returns the number of bytes produced.
type Decrypter func(in, out []byte, pspSize uint32) (int, error)

// PSPHeader is the header in front of an encrypted executable.
type PSPHeader struct {
	Signature     uint32
	ModAttribute  uint16
	CompAttribute uint16
	ModuleVerLo   uint8
	ModuleVerHi   uint8
	ModName       [28]byte
	ModVersion    uint8
	NSegments     uint8
	ElfSize       uint32
	PspSize       uint32
	Entry         uint32
	ModInfoOffset uint32
	BssSize       int32
	SegAlign      [4]uint16
	SegAddress    [4]uint32
	SegSize       [4]int32
	Reserved      [5]uint32
	DevkitVersion uint32
	DecryptMode   uint8
	Padding       [3]uint8
	KeyData0      [0x30]byte
	CompSize      int32
	Unknown80     int32
	Reserved2     [2]int32
	KeyData1      [0x10]byte
	Tag           uint32
	SCheck        [0x58]byte
	KeyData2      uint32
	OETag         uint32
	KeyData3      [0x1C]byte
}

func magic(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(data)
}

// ReadPSPHeader decodes the header of an encrypted executable.
func ReadPSPHeader(data []byte) (*PSPHeader, error) {
	if len(data) < pspHeaderSize {
		return nil, newError(KindCorruptFile, nil, "encrypted header truncated at %d bytes", len(data))
	}
	var head PSPHeader
	if err := binary.Read(bytes.NewReader(data[:pspHeaderSize]), binary.LittleEndian, &head); err != nil {
		return nil, newError(KindCorruptFile, err, "encrypted header")
	}
	return &head, nil
}

// decrypt passes plain images through and runs encrypted ones through fn.
// Kernel modules are refused, as are headers claiming more than limit bytes.
func decrypt(data []byte, fn Decrypter, limit uint32) ([]byte, error) {
	if magic(data) == magicPSP {
		head, err := ReadPSPHeader(data)
		if err != nil {
			return nil, err
		}
		if head.ElfSize > limit || head.PspSize > limit {
			return nil, newError(KindCorruptFile, nil, "encrypted sizes %#x/%#x exceed %#x", head.ElfSize, head.PspSize, limit)
		}
		if fn == nil {
			return nil, newError(KindUnsupportedFormat, nil, "encrypted image and no decrypter")
		}
		size := max(head.ElfSize, head.PspSize)
		Logger().Info("decrypting image",
			zap.Uint32("elf_size", head.ElfSize),
			zap.Uint32("psp_size", head.PspSize))
		out := make([]byte, size)
		n, err := fn(data, out, head.PspSize)
		if err == nil && n <= 0 {
			err = errors.New("no output")
		}
		if err != nil {
			return nil, newError(KindUnsupportedFormat, err, "decrypt failed")
		}
		data = out[:min(n, len(out))]
	}
	if magic(data) == magicSCE {
		return nil, newError(KindUnsupportedFormat, nil, "kernel module")
	}
	return data, nil
}
