package formatter

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var levelTags = map[logrus.Level]string{
	logrus.PanicLevel: "PANC",
	logrus.FatalLevel: "FATL",
	logrus.ErrorLevel: "ERRO",
	logrus.WarnLevel:  "WARN",
	logrus.InfoLevel:  "INFO",
	logrus.DebugLevel: "DEBG",
	logrus.TraceLevel: "TRAC",
}

// TextFormatter renders an entry as a single line:
// time, level, bracketed fields, caller and message.
type TextFormatter struct {
	TimestampFormat string
	// LeadingFields are printed first and in this order. Other fields follow sorted by key.
	LeadingFields []string
}

// NewTextFormatter creates a TextFormatter that prints leading before the other fields
func NewTextFormatter(leading ...string) *TextFormatter {
	return &TextFormatter{
		TimestampFormat: defaultTimestampFormat,
		LeadingFields:   leading,
	}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(entry.Time.Format(f.TimestampFormat))
	b.WriteByte(' ')
	b.WriteString(levelTags[entry.Level])

	if keys := f.fieldOrder(entry.Data); len(keys) > 0 {
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", k, entry.Data[k])
		}
		b.WriteByte(']')
	}

	if src, ok := entry.Data[SourceField]; ok {
		fmt.Fprintf(&b, " %v:", src)
	}

	b.WriteByte(' ')
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *TextFormatter) fieldOrder(data logrus.Fields) []string {
	keys := make([]string, 0, len(data))
	for _, k := range f.LeadingFields {
		if _, ok := data[k]; ok {
			keys = append(keys, k)
		}
	}

	rest := make([]string, 0, len(data))
	for k := range data {
		if k == SourceField || slices.Contains(f.LeadingFields, k) {
			continue
		}
		rest = append(rest, k)
	}
	slices.Sort(rest)
	return append(keys, rest...)
}
