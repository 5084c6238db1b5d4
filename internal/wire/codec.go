// Package wire implements the newline-delimited JSON framing shared by both tiers.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"drone-telemetry/internal/models"
)

// Delimiter terminates every message on the wire
const Delimiter = '\n'

// MaxLineSize bounds how much unterminated data a LineBuffer keeps
const MaxLineSize = 1 << 20

// ErrMalformed is returned for lines that cannot be decoded into a message
var ErrMalformed = errors.New("malformed message")

// Encode serializes v as a single JSON object followed by the delimiter
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, Delimiter), nil
}

// WriteMessage encodes v and writes it to w in one call
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// LineBuffer accumulates stream chunks and yields complete lines in arrival order
type LineBuffer struct {
	buf []byte

	// Overflows counts partial lines discarded for exceeding MaxLineSize
	Overflows int
}

// Feed appends chunk and returns every complete, non-blank line now available.
// The returned slices are copies and stay valid after later calls.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf, Delimiter)
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:idx])
		if len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		b.buf = b.buf[idx+1:]
	}

	if len(b.buf) > MaxLineSize {
		b.buf = nil
		b.Overflows++
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated by a delimiter
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// DecodeReading parses a sensor reading line. A missing timestamp is set to now.
func DecodeReading(line []byte, now time.Time) (models.SensorReading, error) {
	var reading models.SensorReading
	if err := json.Unmarshal(line, &reading); err != nil {
		return reading, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if reading.SensorID == "" {
		return reading, fmt.Errorf("%w: missing sensor_id", ErrMalformed)
	}
	if reading.Timestamp == "" {
		reading.Timestamp = models.FormatTimestamp(now)
	}
	return reading, nil
}

// DecodeReport parses an aggregated report line and applies the documented defaults
func DecodeReport(line []byte) (models.AggregatedReport, error) {
	var report models.AggregatedReport
	if err := json.Unmarshal(line, &report); err != nil {
		return report, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if report.DroneID == "" {
		return report, fmt.Errorf("%w: missing drone_id", ErrMalformed)
	}
	report.ApplyDefaults()
	return report, nil
}
