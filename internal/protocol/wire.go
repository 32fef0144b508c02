// wire.go implements the primitive encodings used on the daemon socket:
// little-endian fixed-width integers, single-byte booleans, and
// int32-length-prefixed UTF-8 strings and lists.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Limits applied while decoding untrusted payloads.
const (
	MaxStringLen = 1 << 20
	MaxGroups    = 64
)

// Decode errors. Any of these aborts the connection.
var (
	ErrTruncated      = errors.New("truncated payload")
	ErrInvalidUTF8    = errors.New("string is not valid UTF-8")
	ErrStringTooLong  = errors.New("string exceeds length limit")
	ErrTooManyGroups  = errors.New("group list exceeds limit")
	ErrNegativeLength = errors.New("negative length prefix")
)

var byteOrder = binary.LittleEndian

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}

// ReadInt32 reads a little-endian int32.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(byteOrder.Uint32(buf[:])), nil
}

// WriteInt32 writes a little-endian int32.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadUint32 reads a little-endian uint32.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

// ReadBool reads a single byte; any non-zero value is true.
func ReadBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if err := readFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// WriteBool writes a single byte 0 or 1.
func WriteBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)
	return err
}

func readLength(r io.Reader) (int, error) {
	n, err := ReadInt32(r)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNegativeLength
	}
	return int(n), nil
}

// ReadString reads an int32-length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}

// WriteString writes an int32-length-prefixed string.
func WriteString(w io.Writer, s string) error {
	if err := WriteInt32(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadUint32s reads an int32-count-prefixed list of little-endian uint32.
func ReadUint32s(r io.Reader, limit int) ([]uint32, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %d entries", ErrTooManyGroups, n)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]uint32, n)
	for i := range out {
		if out[i], err = ReadUint32(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteUint32s writes an int32-count-prefixed list of uint32.
func WriteUint32s(w io.Writer, vals []uint32) error {
	buf := make([]byte, 4+4*len(vals))
	byteOrder.PutUint32(buf, uint32(len(vals)))
	for i, v := range vals {
		byteOrder.PutUint32(buf[4+4*i:], v)
	}
	_, err := w.Write(buf)
	return err
}
