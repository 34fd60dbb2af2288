// Package transport streams proxied bytes from either an HTTP origin or a
// local filesystem root to the client, handling Range requests, chunk-size
// selection, CORS echo, and the no-compression contract (SPEC_FULL.md §4.5).
// Grounded on original_source/services/stream_proxy.py's range-parsing and
// chunked-pump logic and on the teacher's outbound *http.Client pool wiring
// in internal/client (Transport MaxIdleConnsPerHost/DialContext tuning),
// generalized from an OAuth2 upstream call to a long-lived byte stream.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/constants"
	"github.com/streamguard/hls-auth-proxy/internal/proxyerr"
	"github.com/streamguard/hls-auth-proxy/internal/transfer"
)

// Origin abstracts the byte source a request is proxied from.
type Origin interface {
	// Open returns a ReadSeekCloser positioned at the start of the resource,
	// its total size, and any headers the origin itself attached to the
	// response (ETag, Last-Modified, custom headers) for ServeStream to
	// filter and forward per SPEC_FULL.md §4.5. A filesystem-backed origin
	// has no such headers and returns nil. The caller owns the Close.
	Open(ctx context.Context, reqPath string) (io.ReadSeeker, io.Closer, int64, http.Header, error)
}

// NewOrigin constructs the configured Origin implementation.
func NewOrigin(cfg *config.Config) (Origin, error) {
	switch cfg.Backend.Mode {
	case config.BackendFilesystem:
		return NewFilesystemOrigin(cfg.Backend.FilesystemRoot), nil
	case config.BackendHTTP:
		return NewHTTPOrigin(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Backend.Mode)
	}
}

// FilesystemOrigin serves files from a local directory, resolved through
// resolveWithinRoot to reject path traversal.
type FilesystemOrigin struct {
	root string
}

// NewFilesystemOrigin constructs a FilesystemOrigin rooted at root.
func NewFilesystemOrigin(root string) *FilesystemOrigin {
	return &FilesystemOrigin{root: root}
}

func (o *FilesystemOrigin) Open(ctx context.Context, reqPath string) (io.ReadSeeker, io.Closer, int64, http.Header, error) {
	local, err := resolveWithinRoot(o.root, reqPath)
	if err != nil {
		return nil, nil, 0, nil, proxyerr.NewBadRequest("invalid path").WithCause(err)
	}
	f, err := os.Open(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, 0, nil, proxyerr.NewOriginNotFound()
		}
		return nil, nil, 0, nil, proxyerr.NewOriginError("filesystem open failed").WithCause(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, nil, proxyerr.NewOriginError("filesystem stat failed").WithCause(err)
	}
	headers := http.Header{}
	headers.Set(constants.HeaderLastModified, info.ModTime().UTC().Format(http.TimeFormat))
	return f, f, info.Size(), headers, nil
}

// HTTPOrigin proxies from an upstream HTTP backend, using a pooled client
// tuned per SPEC_FULL.md's HTTPPoolConfig, mirroring the teacher's
// internal/client connection-pool settings.
type HTTPOrigin struct {
	baseURL string
	client  *http.Client
	verify  bool
}

// NewHTTPOrigin builds the pooled client exactly the way the teacher tunes
// its outbound OAuth2 upstream client, generalized to streaming bodies (no
// response buffering, no compression negotiated).
func NewHTTPOrigin(cfg *config.Config) *HTTPOrigin {
	transport := &http.Transport{
		MaxIdleConns:        cfg.HTTPPool.ConnectorLimit,
		MaxIdleConnsPerHost: cfg.HTTPPool.PerHost,
		IdleConnTimeout:     cfg.HTTPPool.KeepAlive,
		DisableCompression:  true,
	}
	if !cfg.Backend.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPOrigin{
		baseURL: cfg.OriginBaseURL(),
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.HTTPPool.TotalTimeout,
		},
		verify: cfg.Backend.SSLVerify,
	}
}

func (o *HTTPOrigin) Open(ctx context.Context, reqPath string) (io.ReadSeeker, io.Closer, int64, http.Header, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, nil, 0, nil, proxyerr.NewInternal(err)
	}
	if !httpguts.ValidHostHeader(u.Host) {
		return nil, nil, 0, nil, proxyerr.NewInternal(fmt.Errorf("invalid origin host %q", u.Host))
	}
	u.Path = path.Join(u.Path, reqPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, 0, nil, proxyerr.NewInternal(err)
	}
	req.Header.Set(constants.HeaderAcceptEncoding, "identity")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, nil, 0, nil, proxyerr.NewOriginError("upstream request failed").WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil, 0, nil, proxyerr.NewOriginNotFound()
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, nil, 0, nil, proxyerr.NewOriginError(fmt.Sprintf("upstream status %d", resp.StatusCode))
	}

	size := resp.ContentLength
	return &httpBodySeeker{body: resp.Body, size: size}, resp.Body, size, resp.Header, nil
}

// httpBodySeeker adapts a non-seekable HTTP response body to io.ReadSeeker
// for the narrow case the chunked pump needs: ServeStream only ever seeks
// once, forward, from the start of the body (to honor a Range request), so
// Seek is implemented by discarding the skipped prefix rather than by true
// random access. This costs the discarded bytes in upstream transfer but
// needs no change to the Origin interface and works against any backend
// regardless of whether it understands Range itself.
type httpBodySeeker struct {
	body io.ReadCloser
	size int64
}

func (h *httpBodySeeker) Read(p []byte) (int, error) { return h.body.Read(p) }
func (h *httpBodySeeker) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart || offset < 0 {
		return 0, fmt.Errorf("unsupported seek on streamed http origin body")
	}
	if offset == 0 {
		return 0, nil
	}
	n, err := io.CopyN(io.Discard, h.body, offset)
	if err != nil {
		return n, fmt.Errorf("discarding %d bytes to satisfy range start: %w", offset, err)
	}
	return n, nil
}

// Range is a parsed single-range byte request (RFC 7233 subset: only a
// single "bytes=start-end" range is supported, matching the spec's
// Non-goal on multipart ranges).
type Range struct {
	Start, End int64 // inclusive
}

// ParseRange parses a Range header for a resource of the given total size.
// It returns ok=false when there is no Range header (not an error: the full
// resource should be served), and an error for a malformed or
// unsatisfiable range.
func ParseRange(header string, size int64) (r Range, ok bool, err error) {
	if header == "" {
		return Range{}, false, nil
	}
	if !httpguts.ValidHeaderFieldValue(header) {
		return Range{}, false, proxyerr.NewBadRequest("malformed range header")
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Range{}, false, proxyerr.NewBadRequest("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return Range{}, false, proxyerr.NewBadRequest("multipart ranges not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return Range{}, false, proxyerr.NewBadRequest("malformed range")
	}

	var start, end int64
	if parts[0] == "" {
		// suffix range: "-N" means the last N bytes
		suffixLen, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || suffixLen <= 0 {
			return Range{}, false, proxyerr.NewBadRequest("malformed suffix range")
		}
		if suffixLen > size {
			suffixLen = size
		}
		start = size - suffixLen
		end = size - 1
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return Range{}, false, proxyerr.NewBadRequest("malformed range start")
		}
		if parts[1] == "" {
			end = size - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return Range{}, false, proxyerr.NewBadRequest("malformed range end")
			}
		}
	}

	if start < 0 || end >= size || start > end {
		return Range{}, false, proxyerr.NewRangeNotSatisfiable(size)
	}
	return Range{Start: start, End: end}, true, nil
}

// ChunkSize selects the pump chunk size by file size tier (§4.5).
func ChunkSize(size int64, cfg config.StreamConfig) int64 {
	switch {
	case size < 1<<20:
		return cfg.ChunkSmall
	case size < 32<<20:
		return cfg.ChunkMedium
	case size < 256<<20:
		return cfg.ChunkLarge
	default:
		return cfg.ChunkHuge
	}
}

// StreamOptions carries the per-request values ServeStream needs beyond the
// raw http.ResponseWriter/Request.
type StreamOptions struct {
	Path        string
	Origin      Origin
	StreamCfg   config.StreamConfig
	CORSOrigin  string // echoed Origin header value, "" to omit CORS headers
	AllowCreds  bool
	Transfers   *transfer.Registry
	TransferUID string
	TransferIP  string
}

// ServeStream resolves the origin resource, applies Range semantics, sets
// CORS and no-compression headers, and pumps the body to w in fixed-size
// chunks, tracking progress in the transfer registry.
func ServeStream(ctx context.Context, w http.ResponseWriter, method string, rangeHeader string, opts StreamOptions) error {
	reader, closer, size, originHeaders, err := opts.Origin.Open(ctx, opts.Path)
	if err != nil {
		return err
	}
	defer closer.Close()

	copyOriginHeaders(w.Header(), originHeaders)
	applyCORSHeaders(w.Header(), opts.CORSOrigin, opts.AllowCreds)
	w.Header().Set(constants.HeaderAcceptRanges, "bytes")
	w.Header().Del(constants.HeaderContentEncoding)
	w.Header().Set(constants.HeaderContentType, contentTypeFor(opts.Path))
	w.Header().Set(constants.HeaderCacheControl, cacheControlFor(opts.Path))

	rng, hasRange, err := ParseRange(rangeHeader, size)
	if err != nil {
		return err
	}

	start, end := int64(0), size-1
	status := http.StatusOK
	if hasRange {
		start, end = rng.Start, rng.End
		status = http.StatusPartialContent
		w.Header().Set(constants.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
	contentLen := end - start + 1
	w.Header().Set(constants.HeaderContentLength, strconv.FormatInt(contentLen, 10))

	if method == http.MethodHead {
		w.WriteHeader(status)
		return nil
	}

	if start > 0 {
		if _, err := reader.Seek(start, io.SeekStart); err != nil {
			return proxyerr.NewOriginError("seek failed").WithCause(err)
		}
	}

	var transferID string
	if opts.Transfers != nil {
		transferID = opts.Transfers.Start(opts.Path, opts.TransferIP, opts.TransferUID, contentLen)
	}

	w.WriteHeader(status)
	chunkSize := ChunkSize(size, opts.StreamCfg)
	buf := make([]byte, chunkSize)
	remaining := contentLen
	var sent int64
	firstByte := true

	for remaining > 0 {
		toRead := chunkSize
		if remaining < toRead {
			toRead = remaining
		}
		n, rerr := reader.Read(buf[:toRead])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				if opts.Transfers != nil {
					opts.Transfers.Finish(transferID, "client disconnected")
				}
				return nil
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			sent += int64(n)
			remaining -= int64(n)
			if firstByte && opts.Transfers != nil {
				opts.Transfers.RecordFirstByte(transferID)
				firstByte = false
			}
			if opts.Transfers != nil {
				opts.Transfers.Progress(transferID, sent)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if opts.Transfers != nil {
				opts.Transfers.Finish(transferID, rerr.Error())
			}
			return proxyerr.NewOriginError("stream read failed").WithCause(rerr)
		}
	}

	if opts.Transfers != nil {
		opts.Transfers.Finish(transferID, "")
	}
	return nil
}

// excludedOriginHeaders are stripped from the upstream response before
// copying per SPEC_FULL.md §4.5: the pump re-chunks the body itself, so the
// origin's own transfer framing must not reach the client.
var excludedOriginHeaders = map[string]struct{}{
	constants.HeaderTransferEncoding: {},
	constants.HeaderContentEncoding:  {},
	constants.HeaderConnection:       {},
}

// copyOriginHeaders forwards headers the origin attached to its response
// (ETag, Last-Modified, custom headers), excluding transfer framing. Callers
// set Content-Type, Content-Length, Cache-Control, and CORS after this runs
// so those always win over whatever the origin sent.
func copyOriginHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		if _, excluded := excludedOriginHeaders[http.CanonicalHeaderKey(k)]; excluded {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cacheControlFor implements the §4.5 cache contract: playlists must never
// be cached since they are rewritten on every poll, media segments are
// immutable and may be cached briefly.
func cacheControlFor(reqPath string) string {
	if path.Ext(strings.ToLower(reqPath)) == ".m3u8" {
		return "no-cache, no-store, must-revalidate"
	}
	return "public, max-age=600"
}

func applyCORSHeaders(h http.Header, origin string, allowCreds bool) {
	if origin == "" {
		return
	}
	h.Set(constants.HeaderAccessControlAllowOrigin, origin)
	h.Set(constants.HeaderVary, "Origin")
	h.Set(constants.HeaderAccessControlExposeHeaders, constants.ExposedHeaders)
	if allowCreds {
		h.Set(constants.HeaderAccessControlAllowCredentials, "true")
	}
}

func contentTypeFor(reqPath string) string {
	switch path.Ext(strings.ToLower(reqPath)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".key":
		return constants.ContentTypeOctetStream
	default:
		return constants.ContentTypeOctetStream
	}
}
