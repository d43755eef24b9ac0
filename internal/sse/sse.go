// Package sse implements the one-shot HTTP-to-event-stream upgrade and
// the `Last-Event-ID`/`since`/`limit` replay-resume parameters spec §4.11
// describes for the SSE handler.
package sse

import (
	"bufio"
	"net/http"
	"net/url"
	"strconv"
)

// Handshake is the initial response line and headers written on a
// successful SSE upgrade, followed by the `:ok\n\n` comment that lets the
// client confirm the stream is live before any real event arrives.
const Handshake = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/event-stream\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Connection: keep-alive\r\n" +
	"X-Accel-Buffering: no\r\n" +
	"\r\n" +
	":ok\n\n"

// WriteHandshake writes the SSE upgrade response directly to a hijacked
// connection's buffered writer.
func WriteHandshake(w *bufio.Writer) error {
	if _, err := w.WriteString(Handshake); err != nil {
		return err
	}
	return w.Flush()
}

// Resume is the replay-resume request a client may supply on SSE connect,
// via the `Last-Event-ID` header or the `?lastEventId=`/`?since=`/`?limit=`
// query parameters (spec §4.11).
type Resume struct {
	SinceEventID string
	SinceMs      int64
	HasSince     bool
	Limit        int
}

// ParseResume extracts the replay-resume parameters from r. The
// `Last-Event-ID` header takes precedence over `?lastEventId=`; `?since=`
// is independent and only consulted when neither id form is present.
func ParseResume(r *http.Request) Resume {
	var out Resume

	if id := r.Header.Get("Last-Event-ID"); id != "" {
		out.SinceEventID = id
	}

	q := r.URL.Query()
	if out.SinceEventID == "" {
		if id := q.Get("lastEventId"); id != "" {
			out.SinceEventID = id
		}
	}
	if out.SinceEventID == "" {
		if since := q.Get("since"); since != "" {
			if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
				out.SinceMs = ms
				out.HasSince = true
			}
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			out.Limit = n
		}
	}
	return out
}

// DecodePath strips the leading slash and URL-decodes the path segment
// that names the topic or filter an SSE (or WebSocket) client is
// connecting to.
func DecodePath(raw string) (string, error) {
	if len(raw) > 0 && raw[0] == '/' {
		raw = raw[1:]
	}
	return url.PathUnescape(raw)
}
