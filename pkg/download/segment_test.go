package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type span struct{ start, end int64 }

func spans(segments []*Segment) []span {
	out := make([]span, 0, len(segments))
	for _, s := range segments {
		out = append(out, span{s.Start, s.End})
	}
	return out
}

func TestSplit(t *testing.T) {
	testCases := []struct {
		name           string
		contentLength  int64
		maxThreads     int
		minSegmentSize int64
		expected       []span
	}{
		{
			name:           "one MiB over four threads",
			contentLength:  1048576,
			maxThreads:     4,
			minSegmentSize: 256 * 1024,
			expected:       []span{{0, 262143}, {262144, 524287}, {524288, 786431}, {786432, 1048575}},
		},
		{
			name:           "limited by minimum segment size",
			contentLength:  300 * 1024,
			maxThreads:     4,
			minSegmentSize: 256 * 1024,
			expected:       []span{{0, 153599}, {153600, 307199}},
		},
		{
			name:           "limited by threads",
			contentLength:  32,
			maxThreads:     3,
			minSegmentSize: 1,
			expected:       []span{{0, 10}, {11, 21}, {22, 31}},
		},
		{
			name:           "smaller than one segment",
			contentLength:  100,
			maxThreads:     8,
			minSegmentSize: 1024,
			expected:       []span{{0, 99}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			segments := Split(tc.contentLength, tc.maxThreads, tc.minSegmentSize)
			assert.Equal(t, tc.expected, spans(segments))
			require.NoError(t, ValidateSegments(segments, tc.contentLength))
			for i, s := range segments {
				assert.Equal(t, int64(i), s.Index)
				assert.Equal(t, s.Start, s.Current)
				assert.Equal(t, SegmentStatePending, s.FSM.Current())
			}
		})
	}
}

func TestValidateSegments(t *testing.T) {
	testCases := []struct {
		name     string
		segments []*Segment
		valid    bool
	}{
		{
			name:     "valid",
			segments: []*Segment{NewSegment(0, 0, 49, 50, true), NewSegment(1, 50, 99, 75, false)},
			valid:    true,
		},
		{
			name:     "empty",
			segments: nil,
		},
		{
			name:     "gap",
			segments: []*Segment{NewSegment(0, 0, 49, 0, false), NewSegment(1, 60, 99, 60, false)},
		},
		{
			name:     "overlap",
			segments: []*Segment{NewSegment(0, 0, 59, 0, false), NewSegment(1, 50, 99, 50, false)},
		},
		{
			name:     "out of order",
			segments: []*Segment{NewSegment(1, 0, 49, 0, false), NewSegment(0, 50, 99, 50, false)},
		},
		{
			name:     "offset past end",
			segments: []*Segment{NewSegment(0, 0, 99, 101, false)},
		},
		{
			name:     "complete flag with bytes missing",
			segments: []*Segment{NewSegment(0, 0, 99, 40, true)},
		},
		{
			name:     "short coverage",
			segments: []*Segment{NewSegment(0, 0, 89, 0, false)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSegments(tc.segments, 100)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errInvalidSegments)
			}
		})
	}
}

func TestSegmentStateMachine(t *testing.T) {
	s := NewSegment(0, 0, 9, 0, false)
	assert.Error(t, s.event(SegmentEventFinish))

	require.NoError(t, s.event(SegmentEventStart))
	assert.Equal(t, SegmentStateInFlight, s.FSM.Current())
	require.NoError(t, s.event(SegmentEventFail))
	assert.Equal(t, SegmentStatePending, s.FSM.Current())

	require.NoError(t, s.event(SegmentEventStart))
	require.NoError(t, s.event(SegmentEventFinish))
	assert.True(t, s.Completed())
	assert.Error(t, s.event(SegmentEventStart))
}
