package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"unicode/utf8"
)

const readBufferSize = 4096

// Read drives one response body through a fresh Parser and yields the decoded events in order. The
// iteration ends when the body is exhausted, when ctx is done, or when the consumer stops. A read error
// is yielded once and ends the iteration. Text left in the parser when the body ends is dropped.
func Read(ctx context.Context, body io.Reader, logger *slog.Logger) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var p Parser
		buf := make([]byte, readBufferSize)
		// pending holds the tail of a multi-byte rune split across reads.
		var pending []byte

		defer func() {
			if rest := p.Residual(); rest != "" && logger != nil {
				logger.Debug("Dropping incomplete stream data", slog.String("residual", rest))
			}
		}()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			n, err := body.Read(buf)
			if n > 0 {
				chunk := append(pending, buf[:n]...)
				cut := completeRunes(chunk)
				pending = append([]byte(nil), chunk[cut:]...)

				for raw := range p.Feed(string(chunk[:cut])) {
					if !yield(Decode(raw), nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield(nil, ctxErr)
					return
				}
				yield(nil, fmt.Errorf("error reading stream: %w", err))
				return
			}
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not end inside a multi-byte
// UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
