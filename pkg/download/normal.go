package download

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"

	"go.uber.org/atomic"

	"github.com/replicate/rget/pkg/logging"
)

// Normal fetches the whole entity with a single unranged request.
type Normal struct {
	record Record
	opts   Options
}

func NewNormal(record Record, opts Options) *Normal {
	return &Normal{record: record, opts: opts.withDefaults()}
}

func (n *Normal) Kind() Kind {
	return KindNormal
}

// Prepare drops any state of an earlier ranged attempt and creates an empty
// destination file.
func (n *Normal) Prepare(ctx context.Context) error {
	path := n.record.FilePath()
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
	if err := f.Close(); err != nil {
		return storageError("close", path, err)
	}
	return WriteLastModified(path, n.record.LastModified())
}

func (n *Normal) Start(ctx context.Context) iter.Seq2[Status, error] {
	counter := atomic.NewInt64(0)
	total := n.record.ContentLength()
	snapshot := func() Status {
		if total < 0 {
			return Status{DownloadedBytes: counter.Load(), IsChunked: true}
		}
		return Status{TotalBytes: total, DownloadedBytes: counter.Load()}
	}
	return sample(ctx, n.opts.ProgressInterval, snapshot, func(ctx context.Context) error {
		return n.transfer(ctx, counter)
	})
}

func (n *Normal) transfer(ctx context.Context, counter *atomic.Int64) error {
	url, path := n.record.URL(), n.record.FilePath()
	logger := logging.GetLogger().With().Str("url", url).Str("dest", path).Logger()

	resp, err := n.opts.Fetcher.Download(ctx, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return storageError("open", path, err)
	}
	defer f.Close()

	logger.Debug().Int64("size", n.record.ContentLength()).Msg("Downloading")

	buf := make([]byte, n.opts.BufferSize)
	var written int64
	for {
		nr, readErr := resp.Body.Read(buf)
		if nr > 0 {
			if _, err := f.Write(buf[:nr]); err != nil {
				return storageError("write", path, err)
			}
			written += int64(nr)
			counter.Add(int64(nr))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("error reading response for %s: %w", url, readErr)
		}
	}

	if total := n.record.ContentLength(); total >= 0 && written != total {
		return fmt.Errorf("%w: %s: got %d of %d bytes", errShortBody, url, written, total)
	}
	if err := f.Sync(); err != nil {
		return storageError("sync", path, err)
	}
	if err := f.Close(); err != nil {
		return storageError("close", path, err)
	}
	return nil
}
