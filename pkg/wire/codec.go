package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxLineBytes caps a single request line. Requests are small control
// messages; anything larger is a protocol violation.
const MaxLineBytes = 1 << 20

// ErrLineTooLong is returned when a request exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("request line exceeds maximum size")

// ReadLine reads one newline-terminated request line from r.
// The returned bytes exclude the trailing newline. EOF before any byte
// is reported as io.EOF; EOF after partial data returns the data read,
// matching the one-shot connection contract.
func ReadLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReaderSize(r, 4096)
	var buf []byte
	for {
		chunk, err := br.ReadBytes('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineBytes {
			return nil, ErrLineTooLong
		}
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		}
		return nil, err
	}
}

// WriteResponse marshals v and writes it as one newline-terminated line.
func WriteResponse(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
