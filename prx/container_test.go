package prx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// container wraps entries into a PBP with a full offset table.
func container(entries ...[]byte) []byte {
	header := 8 + 4*len(entries)
	out := make([]byte, header)
	copy(out, pbpMagic)
	binary.LittleEndian.PutUint32(out[4:], 0x00010000)
	off := uint32(header)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(out[8+4*i:], off)
		off += uint32(len(e))
	}
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

func assets(exec []byte) [][]byte {
	return [][]byte{
		[]byte("SFO."), []byte("ICON0"), []byte("ICON1"), []byte("PIC0"), []byte("PIC1"), []byte("SND0"),
		exec,
		[]byte("PSAR-DATA"),
	}
}

func TestUnwrapPassThrough(t *testing.T) {
	data := []byte{0x7F, 'E', 'L', 'F', 1, 2, 3}
	out, err := Unwrap(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	out, err = Unwrap(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnwrapRange(t *testing.T) {
	exec := []byte("EXECUTABLE-BYTES")
	out, err := Unwrap(container(assets(exec)...))
	require.NoError(t, err)
	assert.Equal(t, exec, out)

	// without a following entry the executable runs to the end of the buffer
	out, err = Unwrap(container(assets(exec)[:7]...))
	require.NoError(t, err)
	assert.Equal(t, exec, out)
}

func TestUnwrapErrors(t *testing.T) {
	_, err := Unwrap([]byte("\x00PBP\x00\x00"))
	require.ErrorIs(t, err, ErrFormat)

	_, err = Unwrap(container(assets(nil)[:6]...))
	require.ErrorIs(t, err, ErrFormat, "table without an executable entry")

	data := container(assets([]byte("EXEC"))...)
	binary.LittleEndian.PutUint32(data[8+4*6:], uint32(len(data)+1))
	_, err = Unwrap(data)
	require.ErrorIs(t, err, ErrFormat, "offset beyond the buffer")

	data = container(assets([]byte("EXEC"))...)
	binary.LittleEndian.PutUint32(data[8+4*7:], 8)
	_, err = Unwrap(data)
	require.ErrorIs(t, err, ErrFormat, "executable ends before it starts")

	data = container(assets([]byte("EXEC"))...)
	binary.LittleEndian.PutUint32(data[8:], 0x1000)
	_, err = Unwrap(data)
	require.ErrorIs(t, err, ErrFormat, "table longer than the buffer")
}
