package record

import (
	"github.com/replicate/rget/pkg/download"
)

// LocalState is what a previous run left on disk.
type LocalState struct {
	// FileSize is -1 when the destination does not exist.
	FileSize int64
	// Segments are the sidecar records, nil when there is no readable sidecar.
	Segments []*download.Segment
	// SidecarPresent is set when a sidecar exists, readable or not.
	SidecarPresent bool
}

// ClassifyNew picks the strategy when nothing usable is on disk.
func ClassifyNew(contentLength int64, acceptsRange bool, smallFileThreshold int64) download.Kind {
	switch {
	case contentLength < 0:
		return download.KindNormal
	case contentLength <= smallFileThreshold:
		return download.KindNormal
	case acceptsRange:
		return download.KindMultiThread
	}
	return download.KindNormal
}

// ClassifyExisting picks the strategy when the destination or its sidecar exists.
// A sidecar only counts when it describes contentLength and the destination has
// been allocated at that length. A changed server copy is never resumed.
func ClassifyExisting(local LocalState, contentLength int64, acceptsRange, serverChanged bool, smallFileThreshold int64) download.Kind {
	if contentLength < 0 {
		return download.KindNormal
	}

	if local.Segments != nil && local.FileSize == contentLength &&
		download.ValidateSegments(local.Segments, contentLength) == nil {
		switch {
		case serverChanged && acceptsRange:
			return download.KindMultiThread
		case serverChanged:
			return download.KindNormal
		case download.AllCompleted(local.Segments):
			return download.KindAlreadyDone
		case acceptsRange:
			return download.KindContinue
		}
		return download.KindNormal
	}

	sidecar := local.SidecarPresent || local.Segments != nil
	if !sidecar && local.FileSize == contentLength && !serverChanged {
		return download.KindAlreadyDone
	}
	return ClassifyNew(contentLength, acceptsRange, smallFileThreshold)
}
