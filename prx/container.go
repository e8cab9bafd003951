package prx

import (
	"encoding/binary"
)

const (
	pbpMagic = "\x00PBP"
	// DATA.PSP; the entries before it are PARAM.SFO, ICON0.PNG, ICON1.PMF,
	// PIC0.PNG, PIC1.PNG and SND0.AT3.
	pbpExecutable = 6
)

// Unwrap returns the executable embedded in a PBP container, or data itself
// when it is not a container.
func Unwrap(data []byte) ([]byte, error) {
	if len(data) < 4 || string(data[:4]) != pbpMagic {
		return data, nil
	}
	if len(data) < 12 {
		return nil, newError(KindFormat, nil, "container header truncated")
	}
	offset0 := binary.LittleEndian.Uint32(data[8:])
	if offset0 < 8 || offset0 > uint32(len(data)) {
		return nil, newError(KindFormat, nil, "offset table end %#x beyond %#x bytes", offset0, len(data))
	}
	count := (offset0 - 8) / 4
	if count <= pbpExecutable || 8+4*count > uint32(len(data)) {
		return nil, newError(KindFormat, nil, "offset table of %d entries has no executable", count)
	}
	offsets := make([]uint32, count)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(data[8+4*i:])
		if offsets[i] > uint32(len(data)) {
			return nil, newError(KindFormat, nil, "entry %d offset %#x beyond %#x bytes", i, offsets[i], len(data))
		}
	}
	begin, end := offsets[pbpExecutable], uint32(len(data))
	if pbpExecutable+1 < count {
		end = offsets[pbpExecutable+1]
	}
	if end < begin {
		return nil, newError(KindFormat, nil, "executable ends at %#x before it starts at %#x", end, begin)
	}
	return data[begin:end], nil
}
