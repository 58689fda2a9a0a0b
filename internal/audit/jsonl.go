package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// exportRecord is one line of a JSONL export
type exportRecord struct {
	Subject string `json:"subject"`
	Entry
}

// WriteJSONL writes every entry of the trail as one JSON object per line,
// tagged with the subject (batch or incident ID).
func WriteJSONL(w io.Writer, subject string, trail Trail) error {
	encoder := json.NewEncoder(w)
	for _, e := range trail {
		if err := encoder.Encode(exportRecord{Subject: subject, Entry: e}); err != nil {
			return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// AppendJSONLFile appends the trail to a JSONL file, creating it and its
// directory if needed.
func AppendJSONLFile(path, subject string, trail Trail) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	return WriteJSONL(f, subject, trail)
}

// ReadJSONL decodes an export back into entries grouped by subject
func ReadJSONL(r io.Reader) (map[string]Trail, error) {
	out := make(map[string]Trail)
	decoder := json.NewDecoder(r)
	for decoder.More() {
		var rec exportRecord
		if err := decoder.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out[rec.Subject] = append(out[rec.Subject], rec.Entry)
	}
	return out, nil
}
