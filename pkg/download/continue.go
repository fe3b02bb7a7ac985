package download

import (
	"context"
	"fmt"
	"iter"
)

// Continue resumes an interrupted ranged download from the offsets recorded in
// its sidecar.
type Continue struct {
	ranged
}

func NewContinue(record Record, opts Options) *Continue {
	return &Continue{ranged{record: record, opts: opts.withDefaults()}}
}

func (c *Continue) Kind() Kind {
	return KindContinue
}

func (c *Continue) Prepare(ctx context.Context) error {
	path := c.record.FilePath()
	segments, err := ReadSidecar(path)
	if err != nil {
		return fmt.Errorf("loading segments of %s: %w", path, err)
	}
	if err := ValidateSegments(segments, c.record.ContentLength()); err != nil {
		return err
	}
	c.segments = segments
	return nil
}

func (c *Continue) Start(ctx context.Context) iter.Seq2[Status, error] {
	return c.start(ctx)
}
