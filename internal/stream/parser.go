// Package stream turns the chunked response body of the chat backend into typed events.
//
// The backend frames each event as `data: {json}`, but chunks arrive with arbitrary boundaries and the
// framing is not reliable enough to split on, so objects are recovered from the accumulated text by
// trying every closing brace until the prefix parses.
package stream

import (
	"encoding/json"
	"iter"
	"strings"
	"unicode"
)

const dataMarker = "data: "

// Parser accumulates stream text for one request and extracts complete JSON objects from it. A Parser is
// not safe for concurrent use and must not be reused across requests.
type Parser struct {
	buf    string
	cursor int
	// stripped is the length of the buffer prefix already cleared of markers. The rest is a possible
	// marker start held back until the next chunk shows whether it completes.
	stripped int
}

// Feed appends chunk to the pending buffer and returns the objects completed by it, in stream order.
// The returned sequence consumes the buffer as it is iterated; objects left unread when iteration stops
// early are yielded by the next call to Feed.
func (p *Parser) Feed(chunk string) iter.Seq[json.RawMessage] {
	p.strip(chunk)
	p.trimLeft()

	return func(yield func(json.RawMessage) bool) {
		for {
			end := strings.IndexByte(p.buf[p.cursor:], '}')
			if end == -1 {
				return
			}
			end += p.cursor

			candidate := p.buf[:end+1]
			if !json.Valid([]byte(candidate)) {
				p.cursor = end + 1
				continue
			}

			p.cut(end + 1)
			p.cursor = 0
			p.trimLeft()

			if !yield(json.RawMessage(candidate)) {
				return
			}
		}
	}
}

// strip appends chunk to the buffer and removes the markers from the text not stripped yet. Text that
// was stripped before is never scanned again, so the result does not depend on chunk boundaries.
func (p *Parser) strip(chunk string) {
	tail := p.buf[p.stripped:] + chunk
	keep := partialMarker(tail)
	done := strings.ReplaceAll(tail[:len(tail)-keep], dataMarker, "")

	p.buf = p.buf[:p.stripped] + done + tail[len(tail)-keep:]
	p.stripped = len(p.buf) - keep
}

// partialMarker returns the length of the longest suffix of s that is a proper prefix of the marker.
func partialMarker(s string) int {
	for n := min(len(dataMarker)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, dataMarker[:n]) {
			return n
		}
	}
	return 0
}

// cut drops the first n bytes of the buffer.
func (p *Parser) cut(n int) {
	p.buf = p.buf[n:]
	p.stripped = max(p.stripped-n, 0)
}

// Residual returns the buffered text that has not formed a complete object yet.
func (p *Parser) Residual() string {
	return p.buf
}

// Reset discards the buffer.
func (p *Parser) Reset() {
	p.buf = ""
	p.cursor = 0
	p.stripped = 0
}

func (p *Parser) trimLeft() {
	if p.cursor != 0 {
		return
	}
	p.cut(len(p.buf) - len(strings.TrimLeftFunc(p.buf, unicode.IsSpace)))
}
