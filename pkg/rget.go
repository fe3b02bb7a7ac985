package rget

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/record"
)

// ErrCancelled is returned when the caller cancels a running download.
var ErrCancelled = errors.New("download cancelled")

type Config struct {
	// Retries per request and per segment worker.
	MaxRetryCount int
	// Upper bound of concurrent ranged requests of one download.
	MaxThreads      int
	DefaultSavePath string
	// Files up to this length are fetched with a single request.
	SmallFileThreshold int64
	MinSegmentSize     int64
	ProgressInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetryCount:      3,
		MaxThreads:         3,
		SmallFileThreshold: 512 * humanize.KiByte,
		MinSegmentSize:     download.DefaultMinSegmentSize,
		ProgressInterval:   download.DefaultProgressInterval,
	}
}

// Downloader runs download pipelines. At most one pipeline per URL is active at a
// time; pipelines for different URLs are independent.
type Downloader struct {
	cfg    Config
	client *client.Client
	table  *record.Table
}

func New(cfg Config, c *client.Client) *Downloader {
	return &Downloader{cfg: cfg, client: c, table: record.NewTable()}
}

// Active reports whether a pipeline for url is running.
func (d *Downloader) Active(url string) bool {
	return d.table.Contains(url)
}

// Download probes url, picks a strategy and runs it, yielding progress as it
// goes. saveName and savePath may be empty. The record of url is released when
// the sequence ends for any reason, including the consumer stopping early. On
// failure the last element carries the error; a ranged download keeps its
// sidecar so that the next call resumes it.
func (d *Downloader) Download(ctx context.Context, url, saveName, savePath string) iter.Seq2[download.Status, error] {
	return func(yield func(download.Status, error) bool) {
		logger := logging.GetLogger().With().
			Str("url", url).
			Str("run_id", uuid.NewString()).
			Logger()

		if err := d.table.Add(url, record.New(url, saveName, savePath)); err != nil {
			logger.Warn().Err(err).Msg("Download refused")
			yield(download.Status{}, err)
			return
		}
		defer d.table.Delete(url)

		fail := func(err error) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
				logger.Warn().Err(err).Msg("Download cancelled")
			} else {
				logging.LogError(logger, err, "Download failed")
			}
			yield(download.Status{}, err)
		}

		typ, err := d.classify(ctx, url)
		if err != nil {
			fail(err)
			return
		}
		r, _ := d.table.Get(url)
		logger = logger.With().Str("dest", r.FilePath()).Logger()

		unlock, err := lockDestination(r.FilePath())
		if err != nil {
			fail(err)
			return
		}
		defer unlock()

		logger.Info().
			Str("type", typ.Kind().String()).
			Int64("size", r.ContentLength()).
			Bool("accepts_range", r.AcceptsRange()).
			Msg("Starting")
		startTime := time.Now()

		last, more, err := transfer(ctx, typ, yield)
		if errors.Is(err, client.ErrRangeNotSupported) && typ.Kind() != download.KindNormal {
			logger.Warn().Err(err).Msg("Server ignored range request, restarting with a single connection")
			typ = d.table.DowngradeToNormal(url)
			last, more, err = transfer(ctx, typ, yield)
		}
		if err != nil {
			fail(err)
			return
		}
		if !more {
			logger.Debug().Int64("downloaded", last.DownloadedBytes).Msg("Consumer stopped")
			return
		}
		logComplete(logger, typ.Kind(), last, time.Since(startTime))
	}
}

// transfer prepares typ and forwards its statuses to yield. It reports false
// when the consumer stopped early.
func transfer(ctx context.Context, typ download.Type, yield func(download.Status, error) bool) (download.Status, bool, error) {
	var last download.Status
	if err := typ.Prepare(ctx); err != nil {
		return last, true, err
	}
	for status, err := range typ.Start(ctx) {
		if err != nil {
			return last, true, err
		}
		last = status
		if !yield(status, nil) {
			return last, false, nil
		}
	}
	return last, true, nil
}

// classify runs the probes in order and returns the strategy stored in the
// record of url.
func (d *Downloader) classify(ctx context.Context, url string) (download.Type, error) {
	info, err := d.client.Check(ctx, url)
	if err != nil {
		return nil, err
	}
	d.table.SaveFileInfo(url, info)

	rangeInfo, err := d.client.CheckRange(ctx, url)
	if err != nil {
		return nil, err
	}
	d.table.SaveRangeInfo(url, rangeInfo)

	if err := d.table.Initialize(url, d.settings()); err != nil {
		return nil, err
	}

	if !d.table.FileExists(url) {
		return d.table.GenerateFileNotExistsType(url), nil
	}
	lastModified, err := d.table.ReadLastModify(url)
	if err != nil {
		return nil, err
	}
	state, err := d.client.CheckFile(ctx, url, lastModified)
	if err != nil {
		return nil, err
	}
	d.table.SaveServerFileState(url, state)
	return d.table.GenerateFileExistsType(url), nil
}

func (d *Downloader) settings() record.Settings {
	return record.Settings{
		MaxThreads:         d.cfg.MaxThreads,
		MaxRetries:         d.cfg.MaxRetryCount,
		DefaultSavePath:    d.cfg.DefaultSavePath,
		SmallFileThreshold: d.cfg.SmallFileThreshold,
		Download: download.Options{
			Fetcher:          d.client,
			MinSegmentSize:   d.cfg.MinSegmentSize,
			ProgressInterval: d.cfg.ProgressInterval,
		},
	}
}

// lockDestination guards filePath against pipelines of other processes. The
// lock file is never removed so that every process locks the same inode.
func lockDestination(filePath string) (func(), error) {
	lock := flock.New(download.LockPath(filePath))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &download.StorageError{Op: "lock", Path: lock.Path(), Err: err}
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is being downloaded by another process", record.ErrDuplicateDownload, filePath)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger := logging.GetLogger()
			logger.Warn().Err(err).Str("lock", lock.Path()).Msg("Failed to release lock")
		}
	}, nil
}

func logComplete(logger zerolog.Logger, kind download.Kind, last download.Status, elapsed time.Duration) {
	size := last.DownloadedBytes
	throughput := humanize.Bytes(uint64(float64(size) / max(elapsed.Seconds(), 1e-3)))
	logger.Info().
		Str("type", kind.String()).
		Str("size", humanize.Bytes(uint64(size))).
		Str("elapsed", fmt.Sprintf("%.3fs", elapsed.Seconds())).
		Str("throughput", fmt.Sprintf("%s/s", throughput)).
		Msg("Complete")
}
