package download

import (
	"context"
	"iter"
)

// AlreadyDone is chosen when the destination already holds the current server
// copy.
type AlreadyDone struct {
	record Record
}

func NewAlreadyDone(record Record) *AlreadyDone {
	return &AlreadyDone{record: record}
}

func (a *AlreadyDone) Kind() Kind {
	return KindAlreadyDone
}

func (a *AlreadyDone) Prepare(ctx context.Context) error {
	return nil
}

// Start removes a leftover sidecar of the finished run and reports the file as
// complete.
func (a *AlreadyDone) Start(ctx context.Context) iter.Seq2[Status, error] {
	return func(yield func(Status, error) bool) {
		if err := RemoveSidecar(a.record.FilePath()); err != nil {
			yield(Status{}, err)
			return
		}
		total := a.record.ContentLength()
		yield(Status{TotalBytes: total, DownloadedBytes: total}, nil)
	}
}
