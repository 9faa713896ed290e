package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
)

// Lines returns the lines of r with trailing whitespace removed. Lines are
// not limited in length. The sequence ends on EOF, other read errors are
// yielded as the last element.
func Lines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				if !yield(strings.TrimRight(line, " \t\r\n"), nil) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
		}
	}
}

// pump forwards lines of r to queue. It returns when r ends or gets closed,
// or when ctx is done while the queue is full.
func pump(ctx context.Context, r io.Reader, queue chan<- string) {
	slog.DebugContext(ctx, "output pump started")
	defer slog.DebugContext(ctx, "output pump ran out of output")

	for line, err := range Lines(r) {
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				slog.ErrorContext(ctx, "reading process output", "error", err)
			}
			return
		}
		slog.DebugContext(ctx, "queueing output", "queued", len(queue), "line", line)
		select {
		case queue <- line:
		case <-ctx.Done():
			return
		}
	}
}
