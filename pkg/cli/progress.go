package cli

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/replicate/rget/pkg/download"
)

// Progress renders a download status stream as a byte progress bar. The bar is
// created on the first status, once it is known whether the length is.
type Progress struct {
	w           io.Writer
	description string
	bar         *progressbar.ProgressBar
}

func NewProgress(w io.Writer, description string) *Progress {
	return &Progress{w: w, description: description}
}

func (p *Progress) Update(status download.Status) error {
	if p.bar == nil {
		total := status.TotalBytes
		if status.IsChunked || total <= 0 {
			total = -1
		}
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription(p.description),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
			progressbar.OptionOnCompletion(func() {
				_, _ = io.WriteString(p.w, "\n")
			}),
		)
	}
	// a sized bar stops rendering once it reaches its total
	if status.Done() {
		p.bar.Describe("Downloaded")
	}
	return p.bar.Set64(status.DownloadedBytes)
}

// Finish completes the bar. A chunked download only learns its length here.
func (p *Progress) Finish() error {
	if p.bar == nil {
		return nil
	}
	p.bar.Describe("Downloaded")
	return p.bar.Finish()
}
