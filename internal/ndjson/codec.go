// Package ndjson frames JSON records one per line. Both sides of the agent
// pipe and the run log use this framing, so the encoder flushes after every
// record and the decoder never hands back a partial line.
package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize bounds a single record. Oversize records are refused whole
// rather than truncated.
const MaxMessageSize = 256 * 1024

// Encoder writes one JSON record per line.
type Encoder struct {
	writer *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

// Encode marshals v onto its own line and flushes. Nothing is written when
// the record exceeds MaxMessageSize.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("record is %d bytes, limit %d", len(data), MaxMessageSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	// A tailing reader must only ever observe whole lines.
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	return nil
}

// Decoder reads one JSON record per line, skipping blanks.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	line    int
}

func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, MaxMessageSize), MaxMessageSize)
	return &Decoder{scanner: scanner, logger: logger}
}

// Decode unmarshals the next non-blank line into v. Returns io.EOF at the
// end of the stream; a line that is not valid JSON is an error naming the
// line number, and the decoder stays usable for the lines after it.
func (d *Decoder) Decode(v any) error {
	for d.scanner.Scan() {
		d.line++
		raw := d.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, v); err != nil {
			d.logger.Warn("undecodable record", "line", d.line, "error", err)
			return fmt.Errorf("decode line %d: %w", d.line, err)
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return fmt.Errorf("read after line %d: %w", d.line, err)
	}
	return io.EOF
}
