package download

import (
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultMinSegmentSize   = 256 * humanize.KiByte
	DefaultProgressInterval = 100 * time.Millisecond
	defaultRetryWait        = 100 * time.Millisecond
	defaultBufferSize       = 32 * humanize.KiByte
)

type Options struct {
	Fetcher Fetcher

	// Minimum number of bytes per segment. If set to zero, 256 KiB will be
	// used.
	MinSegmentSize int64

	// Sampling period of the status stream. If set to zero, 100ms will be
	// used.
	ProgressInterval time.Duration

	// Base of the linear backoff between attempts of a segment worker.
	RetryWait time.Duration

	// Size of the read buffer of each worker.
	BufferSize int
}

func (o Options) withDefaults() Options {
	if o.MinSegmentSize <= 0 {
		o.MinSegmentSize = DefaultMinSegmentSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.RetryWait <= 0 {
		o.RetryWait = defaultRetryWait
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	return o
}
