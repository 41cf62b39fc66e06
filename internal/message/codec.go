package message

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single inbound line.
const MaxLineBytes = 64 * 1024

// ErrMalformed is returned by Unmarshal when a line is not a JSON object.
var ErrMalformed = errors.New("message: malformed line")

// Marshal encodes m as a single JSON line without the trailing newline.
func Marshal(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal decodes one JSON line.
func Unmarshal(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Message{}, ErrMalformed
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return m, nil
}

// Parse decodes a line leniently. Anything that is not a JSON object is
// taken as a bare action, which lets line-mode tools such as nc drive a
// session by typing command names.
func Parse(line []byte) Message {
	m, err := Unmarshal(line)
	if err != nil {
		return Message{Action: string(bytes.TrimSpace(line))}
	}
	return m
}

// Reader reads newline-terminated messages from a stream.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &Reader{sc: sc}
}

// Read returns the next message. Blank lines are skipped. io.EOF is
// returned when the stream ends cleanly.
func (r *Reader) Read() (Message, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Parse(line), nil
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, fmt.Errorf("message: read: %w", err)
	}
	return Message{}, io.EOF
}

// Writer writes newline-terminated messages. It is not safe for concurrent
// use; callers serialize writes through a single goroutine.
type Writer struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Writer{bw: bw, enc: enc}
}

// Write encodes m followed by a newline and flushes it.
func (w *Writer) Write(m Message) error {
	if err := w.enc.Encode(m); err != nil {
		return fmt.Errorf("message: write: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("message: flush: %w", err)
	}
	return nil
}
