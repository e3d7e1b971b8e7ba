package events

import (
	"bytes"
	"strings"
)

const (
	fieldEvent   = "event: "
	fieldData    = "data: "
	fieldComment = ": "
)

// Encoder formats events in the text/event-stream wire format.
// See: https://html.spec.whatwg.org/multipage/server-sent-events.html
type Encoder struct{}

// NewEncoder creates a new SSE encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Format renders an event as "event: <type>\ndata: <json>\n\n".
// Multi-line data is split across several data fields.
func (e *Encoder) Format(ev Event) []byte {
	var buf bytes.Buffer
	buf.Grow(len(fieldEvent) + len(ev.Type) + len(fieldData) + len(ev.Data) + 3)

	if ev.Type != "" {
		buf.WriteString(fieldEvent)
		buf.WriteString(strings.NewReplacer("\r", "", "\n", "").Replace(ev.Type))
		buf.WriteByte('\n')
	}

	data := strings.ReplaceAll(string(ev.Data), "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString(fieldData)
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	return buf.Bytes()
}

// FormatComment formats a comment line. EventSource clients ignore these.
func (e *Encoder) FormatComment(comment string) []byte {
	var buf bytes.Buffer
	for _, line := range strings.Split(comment, "\n") {
		buf.WriteString(fieldComment)
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// FormatKeepalive returns a keepalive comment.
func (e *Encoder) FormatKeepalive() []byte {
	return []byte(": keepalive\n\n")
}
