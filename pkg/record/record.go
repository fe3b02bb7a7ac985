package record

import (
	"path/filepath"

	"github.com/replicate/rget/pkg/download"
)

// TemporaryRecord holds what is known about one active download. It is created on
// admission, filled in by the probe steps and dropped when the pipeline ends.
type TemporaryRecord struct {
	url      string
	saveName string
	savePath string

	contentLength int64
	contentType   string
	etag          string
	lastModified  string
	fileNameHint  string
	chunked       bool

	acceptsRange      bool
	serverFileChanged bool

	maxThreads         int
	maxRetries         int
	smallFileThreshold int64
	downloadOptions    download.Options

	downloadType download.Type
}

var _ download.Record = (*TemporaryRecord)(nil)

// New returns a record for url. saveName and savePath may be empty; Initialize
// fills them in.
func New(url, saveName, savePath string) *TemporaryRecord {
	return &TemporaryRecord{
		url:           url,
		saveName:      saveName,
		savePath:      savePath,
		contentLength: -1,
	}
}

func (r *TemporaryRecord) URL() string { return r.url }
func (r *TemporaryRecord) SaveName() string { return r.saveName }
func (r *TemporaryRecord) SavePath() string { return r.savePath }
func (r *TemporaryRecord) ContentLength() int64 { return r.contentLength }
func (r *TemporaryRecord) ContentType() string { return r.contentType }
func (r *TemporaryRecord) ETag() string { return r.etag }
func (r *TemporaryRecord) LastModified() string { return r.lastModified }
func (r *TemporaryRecord) Chunked() bool { return r.chunked }
func (r *TemporaryRecord) AcceptsRange() bool { return r.acceptsRange }
func (r *TemporaryRecord) ServerFileChanged() bool { return r.serverFileChanged }
func (r *TemporaryRecord) MaxThreads() int { return r.maxThreads }
func (r *TemporaryRecord) MaxRetries() int { return r.maxRetries }
func (r *TemporaryRecord) DownloadType() download.Type { return r.downloadType }

// FilePath is the destination of the content. It is only meaningful after
// Initialize.
func (r *TemporaryRecord) FilePath() string {
	return filepath.Join(r.savePath, r.saveName)
}
