package download

import (
	"bytes"
	"fmt"
	"io"
	"iter"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/rget/pkg/client"
)

const testLastModified = "Fri, 01 Mar 2024 12:00:00 GMT"

func init() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

type testRecord struct {
	url          string
	path         string
	length       int64
	lastModified string
	maxThreads   int
	maxRetries   int
}

func (r *testRecord) URL() string { return r.url }
func (r *testRecord) FilePath() string { return r.path }
func (r *testRecord) ContentLength() int64 { return r.length }
func (r *testRecord) LastModified() string { return r.lastModified }
func (r *testRecord) MaxThreads() int { return r.maxThreads }
func (r *testRecord) MaxRetries() int { return r.maxRetries }

// rangeServer serves content honouring single byte ranges and records the
// Range header of every GET.
type rangeServer struct {
	*httptest.Server
	content []byte

	mu     sync.Mutex
	ranges []string
	// hook, when set, may take over a ranged request. It returns false to let
	// the server answer normally.
	hook func(w http.ResponseWriter, r *http.Request, start, end int64) bool
}

func newRangeServer(t *testing.T, content []byte) *rangeServer {
	s := &rangeServer{content: content}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *rangeServer) serve(w http.ResponseWriter, r *http.Request) {
	rangeHeader := r.Header.Get("Range")
	s.mu.Lock()
	s.ranges = append(s.ranges, rangeHeader)
	hook := s.hook
	s.mu.Unlock()

	if rangeHeader == "" {
		w.Header().Set("Content-Length", fmt.Sprint(len(s.content)))
		_, _ = w.Write(s.content)
		return
	}
	var start, end int64
	if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if hook != nil && hook(w, r, start, end) {
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.content)))
	w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(s.content[start : end+1])
}

func (s *rangeServer) requestedRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func randomContent(size int) []byte {
	content := make([]byte, size)
	rand.New(rand.NewSource(99)).Read(content)
	return content
}

func testOptions() Options {
	return Options{
		Fetcher: client.New(client.Options{
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
		}),
		ProgressInterval: 5 * time.Millisecond,
		RetryWait:        time.Millisecond,
		BufferSize:       4096,
	}
}

func newTestRecord(t *testing.T, url string, length int64, maxThreads int) *testRecord {
	return &testRecord{
		url:          url,
		path:         filepath.Join(t.TempDir(), "payload.bin"),
		length:       length,
		lastModified: testLastModified,
		maxThreads:   maxThreads,
		maxRetries:   3,
	}
}

func collect(seq iter.Seq2[Status, error]) ([]Status, error) {
	var statuses []Status
	for status, err := range seq {
		if err != nil {
			return statuses, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func assertMonotonic(t *testing.T, statuses []Status) {
	t.Helper()
	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, statuses[i].DownloadedBytes, statuses[i-1].DownloadedBytes, "status %d", i)
	}
}

func assertFileContent(t *testing.T, expected []byte, path string) {
	t.Helper()
	actual, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, len(expected), len(actual))
	assert.True(t, bytes.Equal(expected, actual), "content of %s differs", path)
}

func TestMultiThreadDownload(t *testing.T) {
	content := randomContent(1024 * 1024)
	server := newRangeServer(t, content)
	record := newTestRecord(t, server.URL+"/payload.bin", int64(len(content)), 4)

	strategy := NewMultiThread(record, testOptions())
	assert.Equal(t, KindMultiThread, strategy.Kind())
	require.NoError(t, strategy.Prepare(t.Context()))

	info, err := os.Stat(record.path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Size())
	onDisk, err := ReadSidecar(record.path)
	require.NoError(t, err)
	require.Len(t, onDisk, 4)
	assert.NoError(t, ValidateSegments(onDisk, record.length))

	statuses, err := collect(strategy.Start(t.Context()))
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	assertMonotonic(t, statuses)
	final := statuses[len(statuses)-1]
	assert.Equal(t, Status{TotalBytes: record.length, DownloadedBytes: record.length}, final)
	assert.True(t, final.Done())

	assertFileContent(t, content, record.path)
	assert.NoFileExists(t, SidecarPath(record.path))
	lastModified, err := ReadLastModified(record.path)
	require.NoError(t, err)
	assert.Equal(t, testLastModified, lastModified)

	ranges := server.requestedRanges()
	assert.ElementsMatch(t, []string{
		"bytes=0-262143",
		"bytes=262144-524287",
		"bytes=524288-786431",
		"bytes=786432-1048575",
	}, ranges)
}

func TestPrepareDropsLastModifiedFirst(t *testing.T) {
	for _, newType := range []func(Record, Options) Type{
		func(r Record, o Options) Type { return NewMultiThread(r, o) },
		func(r Record, o Options) Type { return NewNormal(r, o) },
	} {
		record := newTestRecord(t, "http://example.com/payload.bin", 1024*1024, 4)
		// the destination cannot be opened as a file
		require.NoError(t, os.Mkdir(record.path, 0o755))
		require.NoError(t, WriteLastModified(record.path, testLastModified))

		typ := newType(record, testOptions())
		require.Error(t, typ.Prepare(t.Context()), typ.Kind().String())
		assert.NoFileExists(t, LastModifiedPath(record.path))
	}
}

func TestContinueResumesIncompleteSegments(t *testing.T) {
	content := randomContent(1024 * 1024)
	server := newRangeServer(t, content)
	record := newTestRecord(t, server.URL+"/payload.bin", int64(len(content)), 4)

	// segments 0-2 complete, segment 3 at 80% of its range
	segments := Split(record.length, 4, DefaultMinSegmentSize)
	file := make([]byte, len(content))
	for _, seg := range segments[:3] {
		copy(file[seg.Start:seg.End+1], content[seg.Start:seg.End+1])
		segments[seg.Index] = NewSegment(seg.Index, seg.Start, seg.End, seg.End+1, true)
	}
	last := segments[3]
	last.Current = last.Start + last.Len()*8/10
	copy(file[last.Start:last.Current], content[last.Start:last.Current])
	require.NoError(t, os.WriteFile(record.path, file, 0o644))
	require.NoError(t, WriteSidecar(record.path, segments))
	initial := Downloaded(segments)

	strategy := NewContinue(record, testOptions())
	assert.Equal(t, KindContinue, strategy.Kind())
	require.NoError(t, strategy.Prepare(t.Context()))
	require.Len(t, strategy.Segments(), 4)

	statuses, err := collect(strategy.Start(t.Context()))
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	assert.GreaterOrEqual(t, statuses[0].DownloadedBytes, initial)
	assertMonotonic(t, statuses)
	assert.Equal(t, record.length, statuses[len(statuses)-1].DownloadedBytes)

	assert.Equal(t, []string{fmt.Sprintf("bytes=%d-%d", last.Current, last.End)}, server.requestedRanges())
	assertFileContent(t, content, record.path)
	assert.NoFileExists(t, SidecarPath(record.path))
}

func TestContinueRejectsInvalidSidecar(t *testing.T) {
	record := newTestRecord(t, "http://127.0.0.1:1/payload.bin", 1000, 2)
	require.NoError(t, WriteSidecar(record.path, []*Segment{
		NewSegment(0, 0, 499, 0, false),
		NewSegment(1, 600, 999, 600, false),
	}))

	err := NewContinue(record, testOptions()).Prepare(t.Context())
	assert.ErrorIs(t, err, errInvalidSegments)
}

func TestSegmentRetriesFromCurrentOffset(t *testing.T) {
	content := randomContent(512 * 1024)
	server := newRangeServer(t, content)
	record := newTestRecord(t, server.URL+"/payload.bin", int64(len(content)), 2)

	var once sync.Once
	server.hook = func(w http.ResponseWriter, r *http.Request, start, end int64) bool {
		aborted := false
		if start == 262144 {
			once.Do(func() {
				aborted = true
				half := start + (end-start+1)/2
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
				w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(content[start:half])
				w.(http.Flusher).Flush()
			})
		}
		if aborted {
			panic(http.ErrAbortHandler)
		}
		return false
	}

	strategy := NewMultiThread(record, testOptions())
	require.NoError(t, strategy.Prepare(t.Context()))
	statuses, err := collect(strategy.Start(t.Context()))
	require.NoError(t, err)
	assertMonotonic(t, statuses)
	assertFileContent(t, content, record.path)

	var resumed []string
	for _, r := range server.requestedRanges() {
		if r != "bytes=0-262143" && r != "bytes=262144-524287" {
			resumed = append(resumed, r)
		}
	}
	require.Len(t, resumed, 1)
	var start, end int64
	_, err = fmt.Sscanf(resumed[0], "bytes=%d-%d", &start, &end)
	require.NoError(t, err)
	assert.Greater(t, start, int64(262144))
	assert.Equal(t, int64(524287), end)
}

func TestRangeNotSupportedIsNotRetried(t *testing.T) {
	content := randomContent(512 * 1024)
	server := newRangeServer(t, content)
	server.hook = func(w http.ResponseWriter, r *http.Request, start, end int64) bool {
		_, _ = w.Write(content)
		return true
	}
	record := newTestRecord(t, server.URL+"/payload.bin", int64(len(content)), 2)

	strategy := NewMultiThread(record, testOptions())
	require.NoError(t, strategy.Prepare(t.Context()))
	_, err := collect(strategy.Start(t.Context()))
	require.ErrorIs(t, err, client.ErrRangeNotSupported)
	assert.LessOrEqual(t, len(server.requestedRanges()), 2)
	assert.FileExists(t, SidecarPath(record.path))
}

func TestCancelPreservesSidecar(t *testing.T) {
	content := randomContent(512 * 1024)
	server := newRangeServer(t, content)
	server.hook = func(w http.ResponseWriter, r *http.Request, start, end int64) bool {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : start+8192])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	}
	record := newTestRecord(t, server.URL+"/payload.bin", int64(len(content)), 2)

	strategy := NewMultiThread(record, testOptions())
	require.NoError(t, strategy.Prepare(t.Context()))

	var last Status
	for status, err := range strategy.Start(t.Context()) {
		require.NoError(t, err)
		last = status
		if status.DownloadedBytes > 0 {
			break
		}
	}
	require.Positive(t, last.DownloadedBytes)

	segments, err := ReadSidecar(record.path)
	require.NoError(t, err)
	require.NoError(t, ValidateSegments(segments, record.length))
	assert.GreaterOrEqual(t, Downloaded(segments), last.DownloadedBytes)
	assert.False(t, AllCompleted(segments))

	onDisk, err := os.ReadFile(record.path)
	require.NoError(t, err)
	for _, seg := range segments {
		assert.Equal(t, content[seg.Start:seg.Current], onDisk[seg.Start:seg.Current], "segment %d", seg.Index)
	}
}

func TestNormalDownload(t *testing.T) {
	content := randomContent(64 * 1024)
	server := newRangeServer(t, content)
	record := newTestRecord(t, server.URL+"/payload.bin", int64(len(content)), 3)
	require.NoError(t, WriteSidecar(record.path, Split(record.length, 2, 1024)))

	strategy := NewNormal(record, testOptions())
	assert.Equal(t, KindNormal, strategy.Kind())
	require.NoError(t, strategy.Prepare(t.Context()))
	assert.NoFileExists(t, SidecarPath(record.path))

	statuses, err := collect(strategy.Start(t.Context()))
	require.NoError(t, err)
	assertMonotonic(t, statuses)
	assert.Equal(t, Status{TotalBytes: record.length, DownloadedBytes: record.length}, statuses[len(statuses)-1])
	assertFileContent(t, content, record.path)
	assert.Equal(t, []string{""}, server.requestedRanges())
}

func TestNormalChunkedDownload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4; i++ {
			_, _ = io.WriteString(w, strings.Repeat("chunk", 1000))
			w.(http.Flusher).Flush()
		}
	}))
	defer ts.Close()
	record := newTestRecord(t, ts.URL, -1, 3)

	strategy := NewNormal(record, testOptions())
	require.NoError(t, strategy.Prepare(t.Context()))
	statuses, err := collect(strategy.Start(t.Context()))
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, status := range statuses {
		assert.True(t, status.IsChunked)
		assert.Zero(t, status.TotalBytes)
	}
	assertMonotonic(t, statuses)
	assert.Equal(t, int64(20000), statuses[len(statuses)-1].DownloadedBytes)
	assertFileContent(t, []byte(strings.Repeat("chunk", 4000)), record.path)
}

func TestNormalShortBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "only half")
	}))
	defer ts.Close()
	record := newTestRecord(t, ts.URL, 18, 3)

	strategy := NewNormal(record, testOptions())
	require.NoError(t, strategy.Prepare(t.Context()))
	_, err := collect(strategy.Start(t.Context()))
	assert.ErrorIs(t, err, errShortBody)
}

func TestAlreadyDone(t *testing.T) {
	record := newTestRecord(t, "http://127.0.0.1:1/payload.bin", 2048, 3)
	require.NoError(t, os.WriteFile(record.path, make([]byte, 2048), 0o644))
	segments := []*Segment{NewSegment(0, 0, 2047, 2048, true)}
	require.NoError(t, WriteSidecar(record.path, segments))

	strategy := NewAlreadyDone(record)
	assert.Equal(t, KindAlreadyDone, strategy.Kind())
	require.NoError(t, strategy.Prepare(t.Context()))
	statuses, err := collect(strategy.Start(t.Context()))
	require.NoError(t, err)
	assert.Equal(t, []Status{{TotalBytes: 2048, DownloadedBytes: 2048}}, statuses)
	assert.NoFileExists(t, SidecarPath(record.path))
}

func TestStartWithoutPrepare(t *testing.T) {
	record := newTestRecord(t, "http://127.0.0.1:1/payload.bin", 2048, 3)
	_, err := collect(NewMultiThread(record, testOptions()).Start(t.Context()))
	assert.ErrorIs(t, err, errNotPrepared)
}
