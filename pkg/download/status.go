package download

import (
	"context"
	"iter"
	"net/http"

	"github.com/replicate/rget/pkg/client"
)

// Status is a progress sample of a running download.
type Status struct {
	// TotalBytes is 0 when the length is not known in advance.
	TotalBytes      int64
	DownloadedBytes int64
	IsChunked       bool
}

// Done reports whether s is the terminal status of a sized download.
func (s Status) Done() bool {
	return !s.IsChunked && s.DownloadedBytes == s.TotalBytes
}

type Kind int

const (
	KindNormal Kind = iota
	KindMultiThread
	KindContinue
	KindAlreadyDone
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindMultiThread:
		return "multi-thread"
	case KindContinue:
		return "continue"
	case KindAlreadyDone:
		return "already-done"
	}
	return "unknown"
}

// Type is a download strategy bound to one record.
//
// Prepare sets up the destination file and any sidecar and may be called more
// than once. Start returns a finite sequence of statuses; the last status of a
// successful sized download has DownloadedBytes == TotalBytes. An error ends the
// sequence.
type Type interface {
	Kind() Kind
	Prepare(ctx context.Context) error
	Start(ctx context.Context) iter.Seq2[Status, error]
}

// Record is the read-only view a strategy has of its download record.
type Record interface {
	URL() string
	FilePath() string
	// ContentLength is -1 when unknown.
	ContentLength() int64
	LastModified() string
	MaxThreads() int
	MaxRetries() int
}

// Fetcher issues body requests. *client.Client implements it.
type Fetcher interface {
	Download(ctx context.Context, url string, byteRange *client.ByteRange) (*http.Response, error)
}

var _ Fetcher = (*client.Client)(nil)
