package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/logging"
)

// ranged is the worker engine shared by MultiThread and Continue. Every
// incomplete segment gets one worker issuing ranged requests from the segment's
// current offset; at most MaxThreads workers run at once.
type ranged struct {
	record   Record
	opts     Options
	segments []*Segment
}

func (r *ranged) Segments() []*Segment {
	return r.segments
}

func (r *ranged) start(ctx context.Context) iter.Seq2[Status, error] {
	if r.segments == nil {
		return func(yield func(Status, error) bool) {
			yield(Status{}, errNotPrepared)
		}
	}
	total := r.record.ContentLength()
	counter := atomic.NewInt64(Downloaded(r.segments))
	snapshot := func() Status {
		return Status{TotalBytes: total, DownloadedBytes: counter.Load()}
	}
	return sample(ctx, r.opts.ProgressInterval, snapshot, func(ctx context.Context) error {
		return r.run(ctx, counter)
	})
}

func (r *ranged) run(ctx context.Context, counter *atomic.Int64) error {
	path := r.record.FilePath()
	logger := logging.GetLogger().With().Str("url", r.record.URL()).Str("dest", path).Logger()

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return storageError("open", path, err)
	}
	defer file.Close()

	sc, err := openSidecar(path)
	if err != nil {
		return err
	}
	defer sc.Close()

	errGroup, ctx := errgroup.WithContext(ctx)
	errGroup.SetLimit(max(r.record.MaxThreads(), 1))
	for _, seg := range r.segments {
		if seg.Completed() {
			logger.Debug().Int64("segment", seg.Index).Msg("Segment already complete")
			continue
		}
		errGroup.Go(func() error {
			return r.runSegment(ctx, logger, file, sc, seg, counter)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err // return the first error we encounter
	}

	if err := sc.Close(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return storageError("close", path, err)
	}
	return RemoveSidecar(path)
}

// runSegment drives one segment to completion, re-requesting the remainder of
// its range after a failure until the retry budget of the record is spent.
func (r *ranged) runSegment(ctx context.Context, logger zerolog.Logger, file *os.File, sc *sidecar, seg *Segment, counter *atomic.Int64) error {
	var causes *multierror.Error
	maxRetries := r.record.MaxRetries()
	for attempt := 0; ; attempt++ {
		if err := seg.event(SegmentEventStart); err != nil {
			return err
		}
		err := r.fetchSegment(ctx, file, sc, seg, counter)
		if err == nil {
			if err := seg.event(SegmentEventFinish); err != nil {
				return err
			}
			return sc.update(seg)
		}
		if failErr := seg.event(SegmentEventFail); failErr != nil {
			return failErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		causes = multierror.Append(causes, err)
		if !retryable(err) || attempt >= maxRetries {
			if len(causes.Errors) == 1 {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			return fmt.Errorf("segment %d failed after %d attempts: %w", seg.Index, len(causes.Errors), causes)
		}

		wait := time.Duration(attempt+1) * r.opts.RetryWait
		logger.Warn().Err(err).
			Int64("segment", seg.Index).
			Int64("offset", seg.Current).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("Retrying segment")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *ranged) fetchSegment(ctx context.Context, file *os.File, sc *sidecar, seg *Segment, counter *atomic.Int64) error {
	if seg.Remaining() > 0 {
		resp, err := r.opts.Fetcher.Download(ctx, r.record.URL(), &client.ByteRange{Start: seg.Current, End: seg.End})
		if err != nil {
			return err
		}
		err = r.copySegment(resp, file, sc, seg, counter)
		resp.Body.Close()
		if err != nil {
			return err
		}
	}
	if err := file.Sync(); err != nil {
		return storageError("sync", file.Name(), err)
	}
	return nil
}

func (r *ranged) copySegment(resp *http.Response, file *os.File, sc *sidecar, seg *Segment, counter *atomic.Int64) error {
	buf := make([]byte, min(int64(r.opts.BufferSize), seg.Remaining()))
	for seg.Remaining() > 0 {
		n, readErr := resp.Body.Read(buf[:min(int64(len(buf)), seg.Remaining())])
		if n > 0 {
			if _, err := file.WriteAt(buf[:n], seg.Current); err != nil {
				return storageError("write", file.Name(), err)
			}
			seg.Current += int64(n)
			if err := sc.update(seg); err != nil {
				return err
			}
			counter.Add(int64(n))
		}
		if readErr == io.EOF {
			if seg.Remaining() > 0 {
				return fmt.Errorf("%w: %d bytes missing", errShortBody, seg.Remaining())
			}
			break
		}
		if readErr != nil {
			return fmt.Errorf("error reading segment %d: %w", seg.Index, readErr)
		}
	}
	return nil
}

func retryable(err error) bool {
	var storageErr *StorageError
	var statusErr *client.HTTPStatusError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, client.ErrRangeNotSupported):
		return false
	case errors.As(err, &storageErr):
		return false
	case errors.As(err, &statusErr):
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
