package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrStringTooLong is returned for strings that do not fit a uint16 length.
var ErrStringTooLong = errors.New("string longer than 65535 bytes")

// Writer accumulates a frame. The first error sticks and is reported by Bytes.
type Writer struct {
	buf bytes.Buffer
	err error
}

func (w *Writer) WriteUTF(s string) {
	if w.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		w.err = fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		return
	}
	_ = binary.Write(&w.buf, binary.BigEndian, uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) WriteInt(v int32) {
	if w.err == nil {
		_ = binary.Write(&w.buf, binary.BigEndian, v)
	}
}

func (w *Writer) WriteLong(v int64) {
	if w.err == nil {
		_ = binary.Write(&w.buf, binary.BigEndian, v)
	}
}

func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// Reader consumes a frame.
type Reader struct {
	r *bytes.Reader
}

func NewReader(data []byte) *Reader {
	return &Reader{r: bytes.NewReader(data)}
}

func (r *Reader) ReadUTF() (string, error) {
	var n uint16
	if err := binary.Read(r.r, binary.BigEndian, &n); err != nil {
		return "", truncated(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", truncated(err)
	}
	return string(b), nil
}

func (r *Reader) ReadInt() (int32, error) {
	var v int32
	if err := binary.Read(r.r, binary.BigEndian, &v); err != nil {
		return 0, truncated(err)
	}
	return v, nil
}

func (r *Reader) ReadLong() (int64, error) {
	var v int64
	if err := binary.Read(r.r, binary.BigEndian, &v); err != nil {
		return 0, truncated(err)
	}
	return v, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("truncated frame: %w", err)
}
