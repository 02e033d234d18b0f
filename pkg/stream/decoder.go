// Package stream decodes the line-oriented output of a crew worker process.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// FinalResultMarker separates streamed log events from the final JSON
// result payload.
const FinalResultMarker = "__FINAL_RESULT__"

// maxLineLength bounds the fragment carried between chunks. Longer lines
// are emitted as noise once the limit is reached.
const maxLineLength = 1 << 20

type EventKind int

const (
	// NoiseEvent is any line that is neither a log event nor the marker.
	NoiseEvent EventKind = iota
	// LogEvent is a JSON object line carrying level and message.
	LogEvent
	// MarkerEvent starts the final-result section.
	MarkerEvent
)

func (k EventKind) String() string {
	switch k {
	case LogEvent:
		return "log"
	case MarkerEvent:
		return "marker"
	default:
		return "noise"
	}
}

// LogLine is a structured log event emitted by the worker.
type LogLine struct {
	Level      string
	Message    string
	Data       map[string]interface{}
	TokensUsed int64
}

// Event is one classified line of worker output.
type Event struct {
	Kind EventKind
	Log  *LogLine // set for LogEvent
	Raw  string   // the trimmed line
}

type wireLog struct {
	Level      *string                `json:"level"`
	Message    *string                `json:"message"`
	Data       map[string]interface{} `json:"data"`
	TokensUsed *float64               `json:"tokens_used"`
}

// Decoder turns a chunked byte stream into classified events. It is not
// safe for concurrent use; feed it from the goroutine reading the stream.
type Decoder struct {
	partial  []byte
	inResult bool
	result   bytes.Buffer
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk of output and returns the events for every line
// completed by it, in stream order. An incomplete trailing line is kept
// until a later chunk or Flush completes it.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.inResult {
		d.result.Write(chunk)
		return nil
	}
	var events []Event
	data := chunk
	if len(d.partial) > 0 {
		data = append(d.partial, chunk...)
		d.partial = nil
	}
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(data) > maxLineLength {
				if ev, ok := d.classify(data); ok {
					events = append(events, ev)
				}
				if d.inResult {
					return events
				}
				break
			}
			d.partial = append([]byte(nil), data...)
			break
		}
		if ev, ok := d.classify(data[:i]); ok {
			events = append(events, ev)
		}
		data = data[i+1:]
		if d.inResult {
			d.result.Write(data)
			return events
		}
	}
	return events
}

// Flush classifies any incomplete trailing line. Call it once the stream
// has ended.
func (d *Decoder) Flush() []Event {
	if d.inResult || len(d.partial) == 0 {
		return nil
	}
	line := d.partial
	d.partial = nil
	if ev, ok := d.classify(line); ok {
		return []Event{ev}
	}
	return nil
}

// Final returns the bytes following the marker and whether the marker was
// seen at all.
func (d *Decoder) Final() ([]byte, bool) {
	return bytes.TrimSpace(d.result.Bytes()), d.inResult
}

// classify returns false for blank lines, which carry nothing.
func (d *Decoder) classify(line []byte) (Event, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Event{}, false
	}
	raw := string(trimmed)
	if !utf8.Valid(trimmed) {
		raw = strings.ToValidUTF8(raw, "�")
	}
	if bytes.HasPrefix(trimmed, []byte(FinalResultMarker)) {
		d.inResult = true
		// Workers may print the payload on the marker line itself.
		if rest := trimmed[len(FinalResultMarker):]; len(rest) > 0 {
			d.result.Write(rest)
			d.result.WriteByte('\n')
		}
		return Event{Kind: MarkerEvent, Raw: raw}, true
	}
	if log, ok := parseLogLine(trimmed); ok {
		return Event{Kind: LogEvent, Log: log, Raw: raw}, true
	}
	return Event{Kind: NoiseEvent, Raw: raw}, true
}

func parseLogLine(line []byte) (*LogLine, bool) {
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil, false
	}
	if !json.Valid(line) {
		return nil, false
	}
	var w wireLog
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, false
	}
	if w.Level == nil || w.Message == nil {
		return nil, false
	}
	l := &LogLine{
		Level:   *w.Level,
		Message: *w.Message,
		Data:    w.Data,
	}
	switch {
	case w.TokensUsed != nil:
		l.TokensUsed = int64(*w.TokensUsed)
	case w.Data != nil:
		if v, ok := w.Data["tokens_used"].(float64); ok {
			l.TokensUsed = int64(v)
		}
	}
	return l, true
}
