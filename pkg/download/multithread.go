package download

import (
	"context"
	"iter"
	"os"
)

// MultiThread fetches a fresh copy with one ranged request per segment.
type MultiThread struct {
	ranged
}

func NewMultiThread(record Record, opts Options) *MultiThread {
	return &MultiThread{ranged{record: record, opts: opts.withDefaults()}}
}

func (m *MultiThread) Kind() Kind {
	return KindMultiThread
}

// Prepare allocates the destination at its full length and records a fresh set
// of segments in the sidecar. The last-modified marker is dropped first, so an
// interrupted Prepare never leaves a full-size file that looks finished.
func (m *MultiThread) Prepare(ctx context.Context) error {
	path := m.record.FilePath()
	length := m.record.ContentLength()

	if err := RemoveLastModified(path); err != nil {
		return err
	}
	if err := RemoveSidecar(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return storageError("create", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return storageError("allocate", path, err)
	}
	if err := f.Close(); err != nil {
		return storageError("close", path, err)
	}

	segments := Split(length, m.record.MaxThreads(), m.opts.MinSegmentSize)
	if err := WriteSidecar(path, segments); err != nil {
		return err
	}
	if err := WriteLastModified(path, m.record.LastModified()); err != nil {
		return err
	}
	m.segments = segments
	return nil
}

func (m *MultiThread) Start(ctx context.Context) iter.Seq2[Status, error] {
	return m.start(ctx)
}
