package feed

import (
	"time"

	"github.com/bytedance/sonic"
)

// TimestampLayout is the fixed-width UTC layout of server timestamps. Fixed
// width keeps string order equal to chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp renders t as a server timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Decode fills v from the document fields and its id.
func Decode(doc Document, v any) error {
	fields := make(map[string]any, len(doc.Fields)+1)
	for k, val := range doc.Fields {
		fields[k] = val
	}
	fields["id"] = doc.ID
	data, err := sonic.Marshal(fields)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

func encodeFields(fields map[string]any) ([]byte, error) {
	return sonic.Marshal(fields)
}

func decodeFields(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// normalizeFields round-trips fields through JSON so every backend holds
// the same value shapes ([]any, float64, string).
func normalizeFields(fields map[string]any) (map[string]any, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	return decodeFields(data)
}
