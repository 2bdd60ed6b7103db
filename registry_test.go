package livepatch

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/livepatch/asm"
	"github.com/brahma-adshonor/livepatch/internal/fakemem"
)

func newTestRegistry(t *testing.T) (*Registry, *fakemem.Memory, *bytes.Buffer) {
	t.Helper()
	mem := fakemem.New()
	mem.Map(0x1000, 0x100)
	var buf bytes.Buffer
	reg := NewRegistry(RegistryConfig{
		Memory: mem,
		Mapper: Image{Base: 0x1000},
		Logger: log.New(&buf, "", 0),
	})
	return reg, mem, &buf
}

func TestRegistryApplyRevert(t *testing.T) {
	reg, mem, logs := newTestRegistry(t)

	require.NoError(t, reg.ApplyPatch(0x10, "AABBCC"))
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, mem.Bytes(0x1010, 3))
	assert.Contains(t, logs.String(), "[PATCH] 0x10 @ 0x1010 AABBCC [OK]")

	cur, err := reg.CurrentBytes(0x10)
	require.NoError(t, err)
	assert.Equal(t, "AABBCC", cur)
	orig, err := reg.OriginalBytes(0x10)
	require.NoError(t, err)
	assert.Equal(t, "000000", orig)

	require.NoError(t, reg.Revert(0x10))
	assert.Equal(t, []byte{0, 0, 0}, mem.Bytes(0x1010, 3))
	assert.Zero(t, reg.Len())

	assert.ErrorIs(t, reg.Revert(0x10), ErrNotFound)
	_, err = reg.CurrentBytes(0x10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryBatchPartialFailure(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)

	res := reg.ApplyPatches(map[uint64]string{0x10: "AABBCC", 0x200: "DE"})
	assert.False(t, res.OK())
	assert.Equal(t, []uint64{0x10}, res.Applied)
	require.Contains(t, res.Failed, uint64(0x200))
	assert.ErrorIs(t, res.Failed[0x200], ErrWriteFault)
	assert.ErrorIs(t, res.Err(), ErrWriteFault)

	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, mem.Bytes(0x1010, 3))
	assert.Equal(t, []uint64{0x10}, reg.Offsets())
}

func TestRegistryReplace(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)
	require.NoError(t, mem.Write(0x1020, []byte{1, 2, 3, 4}))

	require.NoError(t, reg.ApplyPatch(0x20, "AABB"))
	require.NoError(t, reg.ApplyPatch(0x20, "CCDDEEFF"))
	assert.Equal(t, []byte{0xcc, 0xdd, 0xee, 0xff}, mem.Bytes(0x1020, 4))

	orig, err := reg.OriginalBytes(0x20)
	require.NoError(t, err)
	assert.Equal(t, "01020304", orig)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Revert(0x20))
	assert.Equal(t, []byte{1, 2, 3, 4}, mem.Bytes(0x1020, 4))
}

func TestRegistryOverlap(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)

	require.NoError(t, reg.ApplyPatch(0x10, "AABBCCDD"))
	assert.ErrorIs(t, reg.ApplyPatch(0x12, "11"), ErrOverlap)
	assert.ErrorIs(t, reg.ApplyPatch(0x0e, "112233"), ErrOverlap)
	require.NoError(t, reg.ApplyPatch(0x14, "EE"))
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}, mem.Bytes(0x1010, 5))
}

func TestRegistryEncodingTouchesNothing(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)

	err := reg.ApplyPatch(0x10, "ABC")
	assert.ErrorIs(t, err, ErrEncoding)
	assert.Equal(t, 1, strings.Count(err.Error(), "encoding error"), err.Error())
	assert.True(t, strings.HasPrefix(err.Error(), "apply 0x10: "), err.Error())
	assert.ErrorIs(t, reg.ApplyPatch(0x10, ""), ErrEncoding)
	assert.ErrorIs(t, reg.ApplyAsm(0x10, asm.ARM64, "nope x0"), ErrAssembly)
	assert.Zero(t, mem.Writes())
	assert.Zero(t, reg.Len())
}

func TestRegistryApplyAsm(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)

	// Branch targets are runtime addresses.
	require.NoError(t, reg.ApplyAsm(0x40, asm.ARM64, "b 0x1048"))
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x14}, mem.Bytes(0x1040, 4))

	res := reg.ApplyAsmPatches(map[uint64]string{0x50: "ret", 0x60: "mov w0, #1"}, asm.ARM64)
	require.True(t, res.OK())
	assert.Equal(t, []byte{0xc0, 0x03, 0x5f, 0xd6}, mem.Bytes(0x1050, 4))
	assert.Equal(t, []byte{0x20, 0x00, 0x80, 0x52}, mem.Bytes(0x1060, 4))
}

func TestRegistryRevertAll(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)

	res := reg.ApplyPatches(map[uint64]string{0x10: "01", 0x20: "02", 0x30: "03"})
	require.True(t, res.OK())

	require.NoError(t, reg.RevertAll())
	assert.Zero(t, reg.Len())
	assert.Equal(t, []byte{0}, mem.Bytes(0x1010, 1))
	assert.Equal(t, []byte{0}, mem.Bytes(0x1020, 1))
	assert.Equal(t, []byte{0}, mem.Bytes(0x1030, 1))

	require.NoError(t, reg.RevertAll())
}

func TestRegistryRevertAllReportsFailures(t *testing.T) {
	mem := fakemem.New()
	mem.Map(0x1000, 0x10)
	ro := mem.Map(0x2000, 0x10)
	reg := NewRegistry(RegistryConfig{Memory: mem})

	require.NoError(t, reg.ApplyPatch(0x1000, "01"))
	require.NoError(t, reg.ApplyPatch(0x2000, "02"))
	mem.SetWritable(ro.Base, false)

	err := reg.RevertAll()
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{"0x2000"}, be.Keys())
	assert.ErrorIs(t, err, ErrWriteFault)

	// The failed patch stays registered.
	assert.Equal(t, []uint64{0x2000}, reg.Offsets())
	assert.Equal(t, []byte{0}, mem.Bytes(0x1000, 1))
}

func TestRegistryConcurrent(t *testing.T) {
	reg, mem, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off := uint64(i * 4)
			if err := reg.ApplyPatch(off, "FFFFFFFF"); err != nil {
				t.Error(err)
				return
			}
			if i%2 == 0 {
				if err := reg.Revert(off); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, reg.Len())
	for i := 0; i < 32; i++ {
		want := []byte{0xff, 0xff, 0xff, 0xff}
		if i%2 == 0 {
			want = []byte{0, 0, 0, 0}
		}
		assert.Equal(t, want, mem.Bytes(0x1000+uintptr(i*4), 4))
	}
}
