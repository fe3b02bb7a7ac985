package record

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
)

var ErrDuplicateDownload = errors.New("download url exists")

// Settings are the per-download defaults applied by Initialize.
type Settings struct {
	MaxThreads         int
	MaxRetries         int
	DefaultSavePath    string
	SmallFileThreshold int64
	// Download configures the strategies, including the Fetcher that issues
	// body requests.
	Download download.Options
}

// Table maps the URL of every active download to its record. Only admission
// needs to be atomic; a record is otherwise touched by its own pipeline alone.
type Table struct {
	records cmap.ConcurrentMap[*TemporaryRecord]
}

func NewTable() *Table {
	return &Table{records: cmap.New[*TemporaryRecord]()}
}

func (t *Table) Contains(url string) bool {
	return t.records.Has(url)
}

// Add admits record under url. It fails with ErrDuplicateDownload if url is
// already active.
func (t *Table) Add(url string, record *TemporaryRecord) error {
	if !t.records.SetIfAbsent(url, record) {
		return fmt.Errorf("%w: %s", ErrDuplicateDownload, url)
	}
	return nil
}

func (t *Table) Delete(url string) {
	t.records.Remove(url)
}

func (t *Table) Get(url string) (*TemporaryRecord, bool) {
	return t.records.Get(url)
}

func (t *Table) mustGet(url string) *TemporaryRecord {
	r, ok := t.records.Get(url)
	if !ok {
		panic(fmt.Sprintf("record: no active download for %s", url))
	}
	return r
}

// Initialize applies settings, resolves the destination name and creates the
// destination directory.
func (t *Table) Initialize(url string, settings Settings) error {
	r := t.mustGet(url)
	r.maxThreads = max(settings.MaxThreads, 1)
	r.maxRetries = max(settings.MaxRetries, 0)
	r.smallFileThreshold = settings.SmallFileThreshold
	r.downloadOptions = settings.Download

	if r.saveName == "" {
		r.saveName = resolveSaveName(r)
	}
	if r.savePath == "" {
		r.savePath = settings.DefaultSavePath
	}
	if r.savePath == "" {
		r.savePath = "."
	}
	if err := os.MkdirAll(r.savePath, 0o755); err != nil {
		return &download.StorageError{Op: "mkdir", Path: r.savePath, Err: err}
	}
	return nil
}

// resolveSaveName prefers the name offered by the server, then the last segment
// of the requested URL, then a name derived from the URL itself.
func resolveSaveName(r *TemporaryRecord) string {
	if r.fileNameHint != "" {
		return r.fileNameHint
	}
	if u, err := url.Parse(r.url); err == nil {
		if name := client.SanitizeFileName(path.Base(u.Path)); name != "" {
			return name
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.url)).String()
}

func (t *Table) SaveFileInfo(url string, info *client.FileInfo) {
	r := t.mustGet(url)
	r.contentLength = info.ContentLength
	r.contentType = info.ContentType
	r.etag = info.ETag
	r.lastModified = info.LastModified
	r.fileNameHint = info.FileName
	r.chunked = info.Chunked
}

func (t *Table) SaveRangeInfo(url string, info *client.RangeInfo) {
	t.mustGet(url).acceptsRange = info.AcceptsRange
}

func (t *Table) SaveServerFileState(url string, state *client.FileState) {
	t.mustGet(url).serverFileChanged = state.Changed
}

// ReadLastModify returns the Last-Modified value the local copy was fetched
// against, "" if none was stored.
func (t *Table) ReadLastModify(url string) (string, error) {
	return download.ReadLastModified(t.mustGet(url).FilePath())
}

// FileExists reports whether the destination or its sidecar is on disk.
func (t *Table) FileExists(url string) bool {
	filePath := t.mustGet(url).FilePath()
	if _, err := os.Stat(filePath); err == nil {
		return true
	}
	return download.SidecarExists(filePath)
}

// GenerateFileExistsType classifies a download that left something on disk and
// stores the result in the record.
func (t *Table) GenerateFileExistsType(url string) download.Type {
	r := t.mustGet(url)
	local := readLocalState(r)
	kind := ClassifyExisting(local, r.contentLength, r.acceptsRange, r.serverFileChanged, r.smallFileThreshold)
	logger := logging.GetLogger()
	logger.Debug().
		Str("url", url).
		Int64("local_size", local.FileSize).
		Bool("sidecar", local.Segments != nil).
		Bool("accepts_range", r.acceptsRange).
		Bool("server_changed", r.serverFileChanged).
		Str("type", kind.String()).
		Msg("Classified")
	r.downloadType = newType(kind, r)
	return r.downloadType
}

// GenerateFileNotExistsType classifies a fresh download and stores the result in
// the record.
func (t *Table) GenerateFileNotExistsType(url string) download.Type {
	r := t.mustGet(url)
	kind := ClassifyNew(r.contentLength, r.acceptsRange, r.smallFileThreshold)
	logger := logging.GetLogger()
	logger.Debug().
		Str("url", url).
		Int64("size", r.contentLength).
		Bool("accepts_range", r.acceptsRange).
		Str("type", kind.String()).
		Msg("Classified")
	r.downloadType = newType(kind, r)
	return r.downloadType
}

// GetDownloadType returns the stored classification, nil before one was made.
func (t *Table) GetDownloadType(url string) download.Type {
	return t.mustGet(url).downloadType
}

// DowngradeToNormal records that url answers ranged requests with the whole
// entity despite advertising range support, and replaces the stored strategy
// with Normal.
func (t *Table) DowngradeToNormal(url string) download.Type {
	r := t.mustGet(url)
	r.acceptsRange = false
	r.downloadType = newType(download.KindNormal, r)
	return r.downloadType
}

func readLocalState(r *TemporaryRecord) LocalState {
	local := LocalState{FileSize: -1}
	filePath := r.FilePath()
	if info, err := os.Stat(filePath); err == nil && info.Mode().IsRegular() {
		local.FileSize = info.Size()
	}
	segments, err := download.ReadSidecar(filePath)
	switch {
	case err == nil:
		local.Segments = segments
		local.SidecarPresent = true
	case !errors.Is(err, os.ErrNotExist):
		local.SidecarPresent = true
		logger := logging.GetLogger()
		logger.Warn().Err(err).Str("url", r.url).Msg("Ignoring unreadable sidecar")
	}
	return local
}

func newType(kind download.Kind, r *TemporaryRecord) download.Type {
	switch kind {
	case download.KindMultiThread:
		return download.NewMultiThread(r, r.downloadOptions)
	case download.KindContinue:
		return download.NewContinue(r, r.downloadOptions)
	case download.KindAlreadyDone:
		return download.NewAlreadyDone(r)
	}
	return download.NewNormal(r, r.downloadOptions)
}
