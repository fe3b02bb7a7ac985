package download

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SegmentRecordSize is the width of one sidecar record: index, start, end,
// current and completed as little-endian int64.
const SegmentRecordSize = 40

func SidecarPath(filePath string) string {
	return filePath + ".tmp"
}

func LastModifiedPath(filePath string) string {
	return filePath + ".lmf"
}

func LockPath(filePath string) string {
	return filePath + ".lock"
}

func encodeSegment(buf []byte, s *Segment) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(s.Index))
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.Start))
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.End))
	binary.LittleEndian.PutUint64(buf[24:], uint64(s.Current))
	completed := uint64(0)
	if s.Completed() {
		completed = 1
	}
	binary.LittleEndian.PutUint64(buf[32:], completed)
}

func decodeSegment(buf []byte) (*Segment, error) {
	completed := binary.LittleEndian.Uint64(buf[32:])
	if completed > 1 {
		return nil, fmt.Errorf("%w: completed flag %d", errCorruptSidecar, completed)
	}
	return NewSegment(
		int64(binary.LittleEndian.Uint64(buf[0:])),
		int64(binary.LittleEndian.Uint64(buf[8:])),
		int64(binary.LittleEndian.Uint64(buf[16:])),
		int64(binary.LittleEndian.Uint64(buf[24:])),
		completed == 1,
	), nil
}

// WriteSidecar replaces the sidecar of filePath with segments. The new file is
// written beside the old one and renamed over it.
func WriteSidecar(filePath string, segments []*Segment) error {
	buf := make([]byte, len(segments)*SegmentRecordSize)
	for i, s := range segments {
		encodeSegment(buf[i*SegmentRecordSize:], s)
	}
	return replaceFile(SidecarPath(filePath), buf)
}

// ReadSidecar loads the segments recorded for filePath.
func ReadSidecar(filePath string) ([]*Segment, error) {
	buf, err := os.ReadFile(SidecarPath(filePath))
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 || len(buf)%SegmentRecordSize != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes", errCorruptSidecar, SidecarPath(filePath), len(buf))
	}
	segments := make([]*Segment, 0, len(buf)/SegmentRecordSize)
	for off := 0; off < len(buf); off += SegmentRecordSize {
		s, err := decodeSegment(buf[off : off+SegmentRecordSize])
		if err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, nil
}

func SidecarExists(filePath string) bool {
	_, err := os.Stat(SidecarPath(filePath))
	return err == nil
}

// RemoveSidecar deletes the sidecar of filePath if there is one.
func RemoveSidecar(filePath string) error {
	return removeIfExists(SidecarPath(filePath))
}

// WriteLastModified stores the Last-Modified value the content of filePath was
// fetched against.
func WriteLastModified(filePath, lastModified string) error {
	return replaceFile(LastModifiedPath(filePath), []byte(lastModified))
}

// ReadLastModified returns "" when nothing was stored.
func ReadLastModified(filePath string) (string, error) {
	buf, err := os.ReadFile(LastModifiedPath(filePath))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", storageError("read", LastModifiedPath(filePath), err)
	}
	return string(buf), nil
}

func RemoveLastModified(filePath string) error {
	return removeIfExists(LastModifiedPath(filePath))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageError("remove", path, err)
	}
	return nil
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return storageError("create", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return storageError("write", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storageError("sync", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return storageError("close", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storageError("rename", path, err)
	}
	return nil
}

// sidecar rewrites single segment slots of an existing sidecar file. Workers
// share one sidecar; slot writes are serialized.
type sidecar struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  [SegmentRecordSize]byte
}

func openSidecar(filePath string) (*sidecar, error) {
	path := SidecarPath(filePath)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, storageError("open", path, err)
	}
	return &sidecar{path: path, file: f}, nil
}

func (s *sidecar) update(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	encodeSegment(s.buf[:], seg)
	if _, err := s.file.WriteAt(s.buf[:], seg.Index*SegmentRecordSize); err != nil {
		return storageError("write", s.path, err)
	}
	return nil
}

func (s *sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return storageError("close", s.path, err)
	}
	return nil
}
