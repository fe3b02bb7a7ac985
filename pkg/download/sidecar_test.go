package download

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSidecarSlotUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	segments := Split(1000, 4, 100)
	require.NoError(t, WriteSidecar(path, segments))

	raw, err := os.ReadFile(SidecarPath(path))
	require.NoError(t, err)
	require.Len(t, raw, 4*SegmentRecordSize)
	// third record, end offset
	assert.Equal(t, uint64(749), binary.LittleEndian.Uint64(raw[2*SegmentRecordSize+16:]))

	sc, err := openSidecar(path)
	require.NoError(t, err)
	segments[1].Current = 400
	require.NoError(t, sc.update(segments[1]))
	require.NoError(t, segments[3].event(SegmentEventStart))
	segments[3].Current = segments[3].End + 1
	require.NoError(t, segments[3].event(SegmentEventFinish))
	require.NoError(t, sc.update(segments[3]))
	require.NoError(t, sc.Close())

	loaded, err := ReadSidecar(path)
	require.NoError(t, err)
	require.NoError(t, ValidateSegments(loaded, 1000))
	assert.Equal(t, int64(400), loaded[1].Current)
	assert.False(t, loaded[1].Completed())
	assert.True(t, loaded[3].Completed())
	assert.Equal(t, int64(150+250), Downloaded(loaded))

	require.NoError(t, RemoveSidecar(path))
	assert.False(t, SidecarExists(path))
	assert.NoError(t, RemoveSidecar(path))
}

func TestReadCorruptSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(SidecarPath(path), make([]byte, SegmentRecordSize+3), 0o644))
	_, err := ReadSidecar(path)
	assert.ErrorIs(t, err, errCorruptSidecar)

	record := make([]byte, SegmentRecordSize)
	binary.LittleEndian.PutUint64(record[32:], 7)
	require.NoError(t, os.WriteFile(SidecarPath(path), record, 0o644))
	_, err = ReadSidecar(path)
	assert.ErrorIs(t, err, errCorruptSidecar)
}

func TestLastModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	value, err := ReadLastModified(path)
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, WriteLastModified(path, testLastModified))
	value, err = ReadLastModified(path)
	require.NoError(t, err)
	assert.Equal(t, testLastModified, value)

	require.NoError(t, RemoveLastModified(path))
	assert.NoFileExists(t, LastModifiedPath(path))
}
