package service

import (
	"bytes"
	"strings"
)

const (
	// outputTailSize bounds the worker output quoted in an exit error.
	outputTailSize = 2 << 10
	// DefaultMaxTranscript bounds the transcript kept for the archive.
	DefaultMaxTranscript = 1 << 20

	transcriptTruncated = "\n[transcript truncated]\n"
)

// outputTail keeps the most recent unstructured output lines, at most max
// bytes including separators.
type outputTail struct {
	max   int
	size  int
	lines []string
}

func (t *outputTail) add(line string) {
	if len(line) > t.max {
		line = strings.ToValidUTF8(line[len(line)-t.max:], "")
	}
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.max && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *outputTail) String() string {
	return strings.Join(t.lines, "\n")
}

// transcript keeps the raw worker output up to max bytes.
type transcript struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (t *transcript) write(p []byte) {
	if t.truncated {
		return
	}
	if room := t.max - t.buf.Len(); len(p) > room {
		t.buf.Write(p[:room])
		t.buf.WriteString(transcriptTruncated)
		t.truncated = true
		return
	}
	t.buf.Write(p)
}
