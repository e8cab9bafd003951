package prx

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encrypted(elfSize, pspSize uint32) []byte {
	data := make([]byte, pspHeaderSize+0x40)
	binary.LittleEndian.PutUint32(data, magicPSP)
	copy(data[0x0A:], "encmod")
	binary.LittleEndian.PutUint32(data[0x28:], elfSize)
	binary.LittleEndian.PutUint32(data[0x2C:], pspSize)
	binary.LittleEndian.PutUint32(data[0x30:], 0x08804000)
	return data
}

const testLimit = 0x01800000

func TestReadPSPHeader(t *testing.T) {
	head, err := ReadPSPHeader(encrypted(0x200, 0x190))
	require.NoError(t, err)
	assert.Equal(t, magicPSP, head.Signature)
	assert.Equal(t, "encmod", ModuleName(head.ModName))
	assert.Equal(t, uint32(0x200), head.ElfSize)
	assert.Equal(t, uint32(0x190), head.PspSize)
	assert.Equal(t, uint32(0x08804000), head.Entry)

	_, err = ReadPSPHeader(make([]byte, pspHeaderSize-1))
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestDecryptPassThrough(t *testing.T) {
	data := []byte{0x7F, 'E', 'L', 'F'}
	out, err := decrypt(data, nil, testLimit)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecryptKernelModule(t *testing.T) {
	_, err := decrypt([]byte("~SCE....."), nil, testLimit)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDecrypt(t *testing.T) {
	_, err := decrypt(encrypted(0x100, 0x80), nil, testLimit)
	require.ErrorIs(t, err, ErrUnsupportedFormat, "no decrypter")

	var gotLen int
	var gotPSP uint32
	plain := []byte{0x7F, 'E', 'L', 'F', 9, 9}
	out, err := decrypt(encrypted(0x100, 0x180), func(in, out []byte, pspSize uint32) (int, error) {
		gotLen, gotPSP = len(out), pspSize
		return copy(out, plain), nil
	}, testLimit)
	require.NoError(t, err)
	assert.Equal(t, 0x180, gotLen, "output sized for the larger of both sizes")
	assert.Equal(t, uint32(0x180), gotPSP)
	assert.Equal(t, plain, out)

	_, err = decrypt(encrypted(0x100, 0x80), func(in, out []byte, pspSize uint32) (int, error) {
		return 0, errors.New("bad key")
	}, testLimit)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = decrypt(encrypted(0x100, 0x80), func(in, out []byte, pspSize uint32) (int, error) {
		return 0, nil
	}, testLimit)
	require.ErrorIs(t, err, ErrUnsupportedFormat, "empty output")

	_, err = decrypt(encrypted(0x100, 0x80), func(in, out []byte, pspSize uint32) (int, error) {
		return copy(out, "~SCE"), nil
	}, testLimit)
	require.ErrorIs(t, err, ErrUnsupportedFormat, "decrypted kernel module")
}

func TestDecryptRejectsOversizedHeader(t *testing.T) {
	called := false
	fn := func(in, out []byte, pspSize uint32) (int, error) {
		called = true
		return copy(out, "\x7fELF"), nil
	}
	_, err := decrypt(encrypted(0xFFFFFFF0, 0x80), fn, testLimit)
	require.ErrorIs(t, err, ErrCorruptFile)
	_, err = decrypt(encrypted(0x100, testLimit+1), fn, testLimit)
	require.ErrorIs(t, err, ErrCorruptFile)
	assert.False(t, called)

	_, err = decrypt(encrypted(testLimit, 0x80), fn, testLimit)
	require.NoError(t, err)
	assert.True(t, called)
}
