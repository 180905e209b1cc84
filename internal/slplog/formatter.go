// Package slplog wires dlib's context-scoped logging to a logrus backend
// with deterministic field ordering, for use by the demonstration harness
// and by tests that want readable output instead of dlib's bare default.
package slplog

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// fieldOrder pins SLP's own structured fields to fixed leading columns so
// a component/channel/seq triple lines up the same way on every log line
// regardless of what order callers attached them in, with anything else a
// caller adds trailing in sorted order.
var fieldOrder = []string{"component", "channel", "seq", "producer_id"}

// Formatter renders log entries as "<time> <message> key=value...", with
// SLP's own fields in a fixed leading order and everything else sorted.
type Formatter struct {
	TimestampFormat string
}

func NewFormatter(timestampFormat string) *Formatter {
	if timestampFormat == "" {
		timestampFormat = "2006-01-02 15:04:05.0000"
	}
	return &Formatter{TimestampFormat: timestampFormat}
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format(f.TimestampFormat))
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	remaining := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		remaining[k] = v
	}
	for _, k := range fieldOrder {
		if v, ok := remaining[k]; ok {
			fmt.Fprintf(b, " %s=%+v", k, v)
			delete(remaining, k)
		}
	}
	if len(remaining) > 0 {
		keys := make([]string, 0, len(remaining))
		for k := range remaining {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%+v", k, remaining[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
