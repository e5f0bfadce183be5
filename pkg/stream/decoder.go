package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/modechat/pkg/modes"
)

const readBufferSize = 4096

// decoder yields content deltas from a reply body. done is true once the
// protocol signalled the end of the reply.
type decoder interface {
	next() (delta string, done bool, err error)
}

// streamError is an error part sent by the backend inside the body.
type streamError struct {
	msg string
}

func (e *streamError) Error() string { return e.msg }

func newDecoder(kind modes.Decoder, r io.Reader) (decoder, error) {
	switch kind {
	case modes.DecoderText, "":
		return &textDecoder{r: r, buf: make([]byte, readBufferSize)}, nil
	case modes.DecoderDataStream:
		return &dataStreamDecoder{r: bufio.NewReader(r)}, nil
	}
	return nil, errors.Errorf("unknown decoder %q", kind)
}

// textDecoder concatenates raw chunks, holding back an incomplete trailing
// UTF-8 sequence until the next chunk completes it.
type textDecoder struct {
	r       io.Reader
	buf     []byte
	pending []byte
}

func (d *textDecoder) next() (string, bool, error) {
	n, err := d.r.Read(d.buf)
	d.pending = append(d.pending, d.buf[:n]...)
	cut := len(d.pending)
	if err == nil {
		cut = completePrefix(d.pending)
	}
	delta := string(d.pending[:cut])
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return delta, false, err
}

func completePrefix(b []byte) int {
	for j := len(b) - 1; j >= 0 && j >= len(b)-utf8.UTFMax; j-- {
		if utf8.RuneStart(b[j]) {
			if !utf8.FullRune(b[j:]) {
				return j
			}
			break
		}
	}
	return len(b)
}

// dataStreamDecoder parses the line protocol of the streaming assistant:
//
//	0:"text chunk"
//	3:"error message"
//	d:{"finishReason":"stop"}
//
// Other part types are ignored.
type dataStreamDecoder struct {
	r *bufio.Reader
}

func (d *dataStreamDecoder) next() (string, bool, error) {
	line, err := d.r.ReadString('\n')
	if err != nil && err != io.EOF {
		// a line cut by a transport failure is dropped
		return "", false, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", false, err
	}
	delta, done, perr := parsePart(line)
	if perr != nil {
		return delta, done, perr
	}
	return delta, done, err
}

func parsePart(line string) (string, bool, error) {
	typ, payload, ok := strings.Cut(line, ":")
	if !ok {
		return "", false, nil
	}
	switch typ {
	case "0":
		var s string
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return "", false, nil
		}
		return s, false, nil
	case "3":
		var s string
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			s = payload
		}
		return "", false, &streamError{msg: s}
	case "d":
		return "", true, nil
	}
	return "", false, nil
}
