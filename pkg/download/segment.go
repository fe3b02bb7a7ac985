package download

import (
	"fmt"

	"github.com/looplab/fsm"
)

const (
	SegmentStatePending   = "Pending"
	SegmentStateInFlight  = "InFlight"
	SegmentStateCompleted = "Completed"

	SegmentEventStart  = "Start"
	SegmentEventFail   = "Fail"
	SegmentEventFinish = "Finish"
)

// Segment is an inclusive byte range of the destination file owned by a single
// worker. Current is the next offset to fetch.
type Segment struct {
	Index   int64
	Start   int64
	End     int64
	Current int64

	FSM *fsm.FSM
}

func NewSegment(index, start, end, current int64, completed bool) *Segment {
	initial := SegmentStatePending
	if completed {
		initial = SegmentStateCompleted
	}
	return &Segment{
		Index:   index,
		Start:   start,
		End:     end,
		Current: current,
		FSM: fsm.NewFSM(
			initial,
			fsm.Events{
				{Name: SegmentEventStart, Src: []string{SegmentStatePending}, Dst: SegmentStateInFlight},
				{Name: SegmentEventFail, Src: []string{SegmentStateInFlight}, Dst: SegmentStatePending},
				{Name: SegmentEventFinish, Src: []string{SegmentStateInFlight}, Dst: SegmentStateCompleted},
			},
			fsm.Callbacks{},
		),
	}
}

func (s *Segment) event(name string) error {
	return s.FSM.Event(name)
}

func (s *Segment) Completed() bool {
	return s.FSM.Is(SegmentStateCompleted)
}

func (s *Segment) Len() int64 {
	return s.End - s.Start + 1
}

func (s *Segment) Downloaded() int64 {
	return s.Current - s.Start
}

func (s *Segment) Remaining() int64 {
	return s.End + 1 - s.Current
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment %d [%d, %d] at %d (%s)", s.Index, s.Start, s.End, s.Current, s.FSM.Current())
}

// Split divides contentLength bytes into min(maxThreads, ceil(contentLength/minSegmentSize))
// contiguous segments.
func Split(contentLength int64, maxThreads int, minSegmentSize int64) []*Segment {
	if minSegmentSize <= 0 {
		minSegmentSize = DefaultMinSegmentSize
	}
	count := (contentLength + minSegmentSize - 1) / minSegmentSize
	if count > int64(maxThreads) {
		count = int64(maxThreads)
	}
	if count < 1 {
		count = 1
	}

	segments := make([]*Segment, 0, count)
	start := int64(0)
	for i, size := range EqualSplit(contentLength, count) {
		segments = append(segments, NewSegment(int64(i), start, start+size-1, start, false))
		start += size
	}
	return segments
}

// ValidateSegments checks that segments are index ordered, pairwise disjoint and
// cover exactly [0, contentLength-1], with every offset inside its range.
func ValidateSegments(segments []*Segment, contentLength int64) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: no segments", errInvalidSegments)
	}
	next := int64(0)
	for i, s := range segments {
		switch {
		case s.Index != int64(i):
			return fmt.Errorf("%w: segment %d at position %d", errInvalidSegments, s.Index, i)
		case s.Start != next || s.End < s.Start-1:
			return fmt.Errorf("%w: %s does not follow offset %d", errInvalidSegments, s, next)
		case s.Current < s.Start || s.Current > s.End+1:
			return fmt.Errorf("%w: %s has its offset out of range", errInvalidSegments, s)
		case s.Completed() && s.Remaining() != 0:
			return fmt.Errorf("%w: %s is marked complete", errInvalidSegments, s)
		}
		next = s.End + 1
	}
	if next != contentLength {
		return fmt.Errorf("%w: segments cover %d bytes, expected %d", errInvalidSegments, next, contentLength)
	}
	return nil
}

// Downloaded sums the fetched bytes of all segments.
func Downloaded(segments []*Segment) int64 {
	var n int64
	for _, s := range segments {
		n += s.Downloaded()
	}
	return n
}

// AllCompleted reports whether every segment is completed.
func AllCompleted(segments []*Segment) bool {
	for _, s := range segments {
		if !s.Completed() {
			return false
		}
	}
	return true
}
