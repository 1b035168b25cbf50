// Package sse serves pub/sub topics to browsers as Server-Sent Events.
package sse

import (
	"strconv"
	"strings"
)

// Event is one Server-Sent Event.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Format encodes e in the text/event-stream format. Multi-line data is
// split over several data fields.
func Format(e Event) []byte {
	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteByte('\n')
	}
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}
	if e.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.Retry))
		b.WriteByte('\n')
	}
	if e.Data != "" {
		for line := range strings.SplitSeq(e.Data, "\n") {
			b.WriteString("data: ")
			b.WriteString(strings.TrimSuffix(line, "\r"))
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Comment encodes a comment line, which clients ignore.
func Comment(text string) []byte {
	return []byte(": " + text + "\n\n")
}
