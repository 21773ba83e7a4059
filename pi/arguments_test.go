package pi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgumentTableOverwrite(t *testing.T) {
	args := NewArgumentTable()
	require.NoError(t, args.AddArg(0, []byte("AAAA"), 0))
	require.NoError(t, args.AddArg(1, []byte("BBBB"), 0))
	require.NoError(t, args.AddArg(0, []byte("CCCC"), 0))
	got := args.Args()
	require.Len(t, got, 2)
	require.Equal(t, []byte("CCCC"), got[0])
	require.Equal(t, []byte("BBBB"), got[1])
}

func TestArgumentTableResize(t *testing.T) {
	args := NewArgumentTable()

	// Gaps are filled with empty arguments.
	require.NoError(t, args.AddArg(2, []byte("CC"), 0))
	require.Equal(t, 3, args.NumArgs())
	require.Equal(t, [][]byte{{}, {}, []byte("CC")}, args.Args())

	// Changing the size of an argument moves the following ones.
	require.NoError(t, args.AddArg(0, []byte("AAAAAA"), 0))
	require.NoError(t, args.AddArg(1, []byte("B"), 0))
	require.Equal(t, [][]byte{[]byte("AAAAAA"), []byte("B"), []byte("CC")}, args.Args())
	require.NoError(t, args.AddArg(0, []byte("a"), 0))
	require.Equal(t, [][]byte{[]byte("a"), []byte("B"), []byte("CC")}, args.Args())

	// Capacity.
	err := args.AddArg(3, make([]byte, MaxParamBytes), 0)
	requireResult(t, InvalidKernelArgs, err)
	require.NoError(t, args.AddArg(3, bytes.Repeat([]byte{'x'}, MaxParamBytes-4), 0))
	require.Equal(t, [][]byte{[]byte("a"), []byte("B"), []byte("CC")}, args.Args()[:3])
	requireResult(t, InvalidKernelArgs, args.AddArg(-1, nil, 0))
}

func TestArgumentTableLocalArgs(t *testing.T) {
	args := NewArgumentTable()
	require.NoError(t, args.AddLocalArg(0, 4))
	require.NoError(t, args.AddLocalArg(1, 8))
	got := args.Args()
	offset0 := binary.NativeEndian.Uint64(got[0])
	offset1 := binary.NativeEndian.Uint64(got[1])
	require.Equal(t, uint64(0), offset0)
	require.Equal(t, uint64(8), offset1)
	require.Zero(t, offset1%8)
	// 4 bytes, plus 4 bytes of padding and 8 bytes.
	require.Equal(t, 16, args.LocalSize())

	// Alignment is capped at 128 bytes.
	require.NoError(t, args.AddLocalArg(2, 1024))
	require.Equal(t, uint64(128), binary.NativeEndian.Uint64(args.Args()[2]))
	require.Equal(t, 128+1024, args.LocalSize())

	args.ClearLocalSize()
	require.Zero(t, args.LocalSize())
	requireResult(t, InvalidKernelArgs, args.AddLocalArg(0, 0))
}

func TestArgumentTableLocalArgsSetTwice(t *testing.T) {
	args := NewArgumentTable()
	require.NoError(t, args.AddLocalArg(0, 4))
	require.NoError(t, args.AddLocalArg(1, 8))
	require.NoError(t, args.AddLocalArg(0, 4))

	// Argument 0 moves past argument 1, at [16, 20).
	got := args.Args()
	offset0 := int(binary.NativeEndian.Uint64(got[0]))
	offset1 := int(binary.NativeEndian.Uint64(got[1]))
	require.Equal(t, 8, offset1)
	require.Equal(t, 16, offset0)
	require.True(t, offset0+4 <= offset1 || offset1+8 <= offset0,
		"local ranges [%d, %d) and [%d, %d) overlap", offset0, offset0+4, offset1, offset1+8)
	require.Equal(t, 20, args.LocalSize())

	// Growing an argument set again keeps it clear of the others, and aligned.
	require.NoError(t, args.AddLocalArg(1, 64))
	offset1 = int(binary.NativeEndian.Uint64(args.Args()[1]))
	require.Equal(t, 64, offset1)
	require.Equal(t, 128, args.LocalSize())
}

func TestArgumentTableImplicitOffset(t *testing.T) {
	args := NewArgumentTable()
	require.NoError(t, args.AddArg(0, []byte{1, 2, 3, 4}, 0))
	args.SetImplicitOffset([]uint32{7, 8, 9})
	require.Equal(t, [3]uint32{7, 8, 9}, args.ImplicitOffset())

	indices := args.Indices()
	require.Len(t, indices, 2)
	require.Len(t, args.Args(), 1)
	block := indices[1]
	require.Len(t, block, 12)
	for ii, want := range []uint32{7, 8, 9} {
		require.Equal(t, want, binary.NativeEndian.Uint32(block[4*ii:]))
	}

	// Adding arguments keeps the offset block at the end.
	require.NoError(t, args.AddArg(1, []byte{5}, 0))
	indices = args.Indices()
	require.Len(t, indices, 3)
	require.Len(t, indices[2], 12)

	require.Panics(t, func() { args.SetImplicitOffset([]uint32{1, 2}) })
}
