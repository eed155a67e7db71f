// Package stream turns the upstream completion SSE body into client events.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
)

const (
	dataPrefix   = "data:"
	statusPrefix = ":HTTP_STATUS/"

	// MaxRecordBytes bounds the buffered partial record.
	MaxRecordBytes = 1 << 20

	// A record ends at the first blank line, "\n\n" or "\n\r\n" (the tail of
	// a CRLF "\r\n\r\n"). Both start at a newline.
	maxDelimiterLen = 3
)

// ErrRecordTooLarge is returned by Feed once the pending partial record grows
// past MaxRecordBytes without a delimiter.
var ErrRecordTooLarge = errors.New("stream: upstream record exceeds size limit")

// Record is one complete upstream payload object.
type Record struct {
	Data json.RawMessage
}

// Decoder incrementally splits an upstream SSE byte stream into records.
// It is bound to a single stream and is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	scanned int
	logger  *slog.Logger
	skipped int
}

func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends chunk to the pending buffer and returns, in order, every record
// completed by it. The trailing partial record stays buffered for the next
// call. Records completed before an ErrRecordTooLarge are still returned.
func (d *Decoder) Feed(chunk []byte) ([]Record, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Record
	consumed := 0
	from := d.scanned
	for {
		i, n := nextDelimiter(d.buf, from)
		if i < 0 {
			break
		}
		out = d.appendRecords(out, d.buf[consumed:i])
		consumed = i + n
		from = consumed
	}
	if consumed > 0 {
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	// Bytes before this offset hold no delimiter start; only the tail can
	// begin one that the next chunk completes.
	d.scanned = max(len(d.buf)-(maxDelimiterLen-1), 0)

	if len(d.buf) > MaxRecordBytes {
		size := len(d.buf)
		d.buf, d.scanned = nil, 0
		d.logger.Warn("dropping oversized upstream record", "bytes", size)
		return out, ErrRecordTooLarge
	}
	return out, nil
}

// Discard drops any buffered partial record and returns its size in bytes.
// Called when the upstream stream ends; a partial record cannot be completed.
func (d *Decoder) Discard() int {
	n := len(d.buf)
	d.buf, d.scanned = nil, 0
	return n
}

// Skipped reports how many complete but malformed payloads were dropped.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// nextDelimiter returns the offset and length of the first record delimiter
// in b at or after from, or -1.
func nextDelimiter(b []byte, from int) (int, int) {
	for i := from; i < len(b); i++ {
		j := bytes.IndexByte(b[i:], '\n')
		if j < 0 {
			return -1, 0
		}
		i += j
		if i+1 < len(b) && b[i+1] == '\n' {
			return i, 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i, 3
		}
	}
	return -1, 0
}

func (d *Decoder) appendRecords(out []Record, block []byte) []Record {
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if status, ok := bytes.CutPrefix(line, []byte(statusPrefix)); ok {
			if code := string(bytes.TrimSpace(status)); code != "200" {
				d.logger.Warn("upstream record reports non-200 status", "status", code)
			}
			continue
		}
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) < 2 || payload[0] != '{' || payload[len(payload)-1] != '}' {
			// Not an object (for example a "[DONE]" sentinel).
			continue
		}
		if !json.Valid(payload) {
			d.skipped++
			d.logger.Warn("skipping malformed upstream record", "bytes", len(payload))
			continue
		}
		out = append(out, Record{Data: append(json.RawMessage(nil), payload...)})
	}
	return out
}
