package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// WriteJSONL writes entries as JSON Lines in ledger order.
func (l *Ledger) WriteJSONL(w io.Writer) error {
	return WriteJSONL(w, l.Entries())
}

// WriteJSONL writes the given entries one per line.
func WriteJSONL(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}

	return bw.Flush()
}

// ReadJSONL decodes a JSON Lines stream. It does not validate; call Validate
// or Ledger.Restore on the result.
func ReadJSONL(r io.Reader) ([]Entry, error) {
	var entries []Entry

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++

		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		entries = append(entries, e)
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
