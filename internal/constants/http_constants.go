// Package constants contains shared HTTP header names and
// common content type strings used across the service.
package constants

// Header names commonly used across the application.
const (
	// HeaderAccept is the HTTP "Accept" header name.
	HeaderAccept = "Accept"

	// HeaderAcceptEncoding is the HTTP "Accept-Encoding" header name.
	HeaderAcceptEncoding = "Accept-Encoding"

	// HeaderAuthorization is the HTTP "Authorization" header name.
	HeaderAuthorization = "Authorization"

	// HeaderContentType is the HTTP "Content-Type" header name.
	HeaderContentType = "Content-Type"

	// HeaderContentLength is the HTTP "Content-Length" header name.
	HeaderContentLength = "Content-Length"

	// HeaderContentRange is the HTTP "Content-Range" header name.
	HeaderContentRange = "Content-Range"

	// HeaderContentEncoding is the HTTP "Content-Encoding" header name.
	HeaderContentEncoding = "Content-Encoding"

	// HeaderTransferEncoding is the HTTP "Transfer-Encoding" header name.
	HeaderTransferEncoding = "Transfer-Encoding"

	// HeaderConnection is the HTTP "Connection" header name.
	HeaderConnection = "Connection"

	// HeaderRange is the HTTP "Range" header name.
	HeaderRange = "Range"

	// HeaderAcceptRanges is the HTTP "Accept-Ranges" header name.
	HeaderAcceptRanges = "Accept-Ranges"

	// HeaderCacheControl is the HTTP "Cache-Control" header name.
	HeaderCacheControl = "Cache-Control"

	// HeaderLastModified is the HTTP "Last-Modified" header name.
	HeaderLastModified = "Last-Modified"

	// HeaderETag is the HTTP "ETag" header name.
	HeaderETag = "ETag"

	// HeaderReferer is the HTTP "Referer" header name.
	HeaderReferer = "Referer"

	// HeaderUserAgent is the HTTP "User-Agent" header name.
	HeaderUserAgent = "User-Agent"

	// HeaderXRequestID is the custom request ID header name.
	HeaderXRequestID = "X-Request-ID"

	// HeaderXForwardedFor is the "X-Forwarded-For" proxy header name.
	HeaderXForwardedFor = "X-Forwarded-For"

	// HeaderXRealIP is the "X-Real-IP" proxy header name.
	HeaderXRealIP = "X-Real-IP"

	// HeaderOrigin is the HTTP "Origin" header name.
	HeaderOrigin = "Origin"

	// HeaderVary is the HTTP "Vary" header name.
	HeaderVary = "Vary"

	// HeaderAccessControlAllowOrigin is the CORS allow-origin header.
	HeaderAccessControlAllowOrigin = "Access-Control-Allow-Origin"

	// HeaderAccessControlAllowCredentials is the CORS allow-credentials header.
	HeaderAccessControlAllowCredentials = "Access-Control-Allow-Credentials"

	// HeaderAccessControlExposeHeaders is the CORS expose-headers header.
	HeaderAccessControlExposeHeaders = "Access-Control-Expose-Headers"

	// HeaderAccessControlAllowMethods is the CORS allow-methods header.
	HeaderAccessControlAllowMethods = "Access-Control-Allow-Methods"

	// HeaderAccessControlAllowHeaders is the CORS allow-headers header.
	HeaderAccessControlAllowHeaders = "Access-Control-Allow-Headers"
)

// Common media / content types used in requests and responses.
const (
	// ContentTypeJSON represents "application/json".
	ContentTypeJSON = "application/json"

	// ContentTypeOctetStream represents "application/octet-stream".
	ContentTypeOctetStream = "application/octet-stream"

	// ContentTypeHTMLUTF8 represents "text/html; charset=utf-8".
	ContentTypeHTMLUTF8 = "text/html; charset=utf-8"

	// ContentTypePlainUTF8 represents "text/plain; charset=utf-8".
	ContentTypePlainUTF8 = "text/plain; charset=utf-8"
)

// ExposedHeaders is the fixed list of headers always listed in
// Access-Control-Expose-Headers for proxied file responses.
const ExposedHeaders = "Content-Length, Content-Range, Accept-Ranges, Content-Type"
