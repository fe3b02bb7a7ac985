package client

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-http-utils/headers"
	"github.com/hashicorp/go-retryablehttp"
)

const rangeProbe = "bytes=0-"

var (
	contentRangeRegexp  = regexp.MustCompile(`^bytes ([0-9]+)-([0-9]+)/([0-9]+|\*)$`)
	unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)
)

// FileInfo is the metadata gathered by Check.
type FileInfo struct {
	// URL is the final URL after redirects.
	URL string
	// ContentLength is -1 when the server did not announce a length.
	ContentLength int64
	ContentType   string
	ETag          string
	LastModified  string
	// FileName is a sanitized name hint, empty if the response offered none.
	FileName string
	Chunked  bool
}

// RangeInfo is the result of CheckRange.
type RangeInfo struct {
	StatusCode   int
	AcceptsRange bool
}

// FileState is the result of CheckFile.
type FileState struct {
	StatusCode int
	Changed    bool
}

// ByteRange is an inclusive byte range.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Check issues a plain GET and reads only the response headers.
func (c *Client) Check(ctx context.Context, url string) (*FileInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %w", ErrIllegalURL, url, ErrUnexpectedHTTPStatus(resp.StatusCode))
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	info := &FileInfo{
		URL:           finalURL,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get(headers.ContentType),
		ETag:          resp.Header.Get(headers.ETag),
		LastModified:  resp.Header.Get(headers.LastModified),
		FileName:      fileNameFromResponse(resp),
		Chunked:       slices.Contains(resp.TransferEncoding, "chunked"),
	}
	if info.Chunked {
		info.ContentLength = -1
	}
	return info, nil
}

// CheckRange probes whether the server honours byte ranges.
func (c *Client) CheckRange(ctx context.Context, url string) (*RangeInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, url, http.Header{headers.Range: {rangeProbe}})
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return &RangeInfo{
		StatusCode:   resp.StatusCode,
		AcceptsRange: resp.StatusCode == http.StatusPartialContent || resp.Header.Get(headers.AcceptRanges) == "bytes",
	}, nil
}

// CheckFile asks whether the server copy changed since lastModified. An empty
// lastModified sends an unconditional probe, which reports a change.
func (c *Client) CheckFile(ctx context.Context, url, lastModified string) (*FileState, error) {
	header := http.Header{}
	if lastModified != "" {
		header.Set(headers.IfModifiedSince, lastModified)
	}
	resp, err := c.do(ctx, http.MethodHead, url, header)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return &FileState{
		StatusCode: resp.StatusCode,
		Changed:    resp.StatusCode != http.StatusNotModified,
	}, nil
}

// Download fetches the entity body, optionally restricted to byteRange. The caller
// owns the returned body.
func (c *Client) Download(ctx context.Context, url string, byteRange *ByteRange) (*http.Response, error) {
	var header http.Header
	if byteRange != nil {
		header = http.Header{headers.Range: {byteRange.header()}}
	}
	resp, err := c.do(ctx, http.MethodGet, url, header)
	if err != nil {
		return nil, err
	}

	switch {
	case byteRange == nil && resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return resp, nil
	case byteRange != nil && resp.StatusCode == http.StatusPartialContent:
		if err := checkContentRange(resp.Header.Get(headers.ContentRange), *byteRange); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	case byteRange != nil && resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s answered %s with status %d", ErrRangeNotSupported, url, byteRange.header(), resp.StatusCode)
	}
	resp.Body.Close()
	return nil, fmt.Errorf("error fetching %s: %w", url, ErrUnexpectedHTTPStatus(resp.StatusCode))
}

func (c *Client) do(ctx context.Context, method, url string, header http.Header) (*http.Response, error) {
	causes := &attemptCauses{}
	req, err := retryablehttp.NewRequestWithContext(withCauses(ctx, causes), method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIllegalURL, url, err)
	}
	for key, values := range header {
		req.Header[key] = values
	}

	resp, err := c.retryClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, causes.networkError(url, err)
	}
	return resp, nil
}

func checkContentRange(contentRange string, requested ByteRange) error {
	if contentRange == "" {
		// servers are allowed to omit it; the body length is verified by the reader
		return nil
	}
	groups := contentRangeRegexp.FindStringSubmatch(contentRange)
	if groups == nil {
		return fmt.Errorf("%w: %s", errInvalidContentRange, contentRange)
	}
	start, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil || start != requested.Start {
		return fmt.Errorf("%w: requested %s, got %s", errInvalidContentRange, requested.header(), contentRange)
	}
	return nil
}

// fileNameFromResponse prefers the Content-Disposition filename and falls back to the
// last path segment of the final URL.
func fileNameFromResponse(resp *http.Response) string {
	if disposition := resp.Header.Get(headers.ContentDisposition); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := SanitizeFileName(params["filename"]); name != "" {
				return name
			}
		}
	}
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return SanitizeFileName(path.Base(resp.Request.URL.Path))
}

// SanitizeFileName strips directories and characters that are unsafe in file
// names. It returns "" when nothing usable is left.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(unsafeFileNameChars.ReplaceAllString(name, "_"))
	if name == "." || name == ".." || name == "/" || strings.Trim(name, "_") == "" {
		return ""
	}
	return name
}
