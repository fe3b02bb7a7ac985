package download

import (
	"context"
	"iter"
	"time"
)

// sample runs work in the background and yields snapshot every interval while
// its value changes. Once work returns, the latest snapshot is yielded if it was
// not yet seen, followed by the error of work if any. When the consumer stops
// early, work is cancelled and awaited before the sequence returns.
func sample(ctx context.Context, interval time.Duration, snapshot func() Status, work func(ctx context.Context) error) iter.Seq2[Status, error] {
	return func(yield func(Status, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- work(ctx)
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last Status
		emitted := false
		emit := func() bool {
			status := snapshot()
			if emitted && status == last {
				return true
			}
			last, emitted = status, true
			return yield(status, nil)
		}

		for {
			select {
			case err := <-done:
				if !emit() {
					return
				}
				if err != nil {
					yield(last, err)
				}
				return
			case <-ticker.C:
				if !emit() {
					cancel()
					<-done
					return
				}
			}
		}
	}
}
