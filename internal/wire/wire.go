// Package wire implements the framing used on the host-guest control
// channel: a length-prefixed MessagePack envelope for the one-time boot
// configuration, and raw single-shot byte frames for everything sent over
// a per-request connection afterward.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxLengthDigits bounds the ASCII length prefix read off the channel
// before the payload. A prefix longer than this is rejected outright
// rather than accumulated indefinitely.
const maxLengthDigits = 9

// maxCommandSize bounds a single raw command frame read from a freshly
// accepted connection (one frame per connection, then the connection is
// closed).
const maxCommandSize = 1 << 20 // ~1 MiB

var (
	// ErrShortRead is returned when the underlying reader closes or errors
	// before a full length prefix or payload has been read.
	ErrShortRead = errors.New("wire: short read")
	// ErrBadLength is returned when the ASCII length prefix is malformed
	// or exceeds maxLengthDigits.
	ErrBadLength = errors.New("wire: bad length prefix")
)

// ReadLength reads a newline-terminated ASCII decimal length prefix one
// byte at a time, matching the guest-side reader's behavior: at most
// maxLengthDigits digits are accumulated before the newline must appear.
func ReadLength(r io.Reader) (int, error) {
	var digits []byte
	buf := make([]byte, 1)
	for i := 0; i < maxLengthDigits+1; i++ {
		n, err := r.Read(buf)
		if n == 0 {
			if err == io.EOF {
				return 0, ErrShortRead
			}
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrShortRead, err)
			}
			continue
		}
		if buf[0] == '\n' {
			if len(digits) == 0 {
				return 0, ErrBadLength
			}
			length, err := parseDecimal(digits)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrBadLength, err)
			}
			return length, nil
		}
		if buf[0] < '0' || buf[0] > '9' {
			return 0, ErrBadLength
		}
		digits = append(digits, buf[0])
		if len(digits) > maxLengthDigits {
			return 0, ErrBadLength
		}
	}
	return 0, ErrBadLength
}

func parseDecimal(digits []byte) (int, error) {
	n := 0
	for _, d := range digits {
		n = n*10 + int(d-'0')
	}
	return n, nil
}

// ReadConfig reads a length-prefixed MessagePack-encoded boot configuration
// from r and decodes it into v.
func ReadConfig(r io.Reader, v any) error {
	length, err := ReadLength(r)
	if err != nil {
		return err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode config: %w", err)
	}
	return nil
}

// WriteConfig encodes v as MessagePack and writes it to w with the
// length-prefix framing ReadConfig expects.
func WriteConfig(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode config: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%d\n", len(payload)); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadCommand reads a single raw command frame (up to maxCommandSize) from
// a freshly accepted connection. The caller is expected to close the
// connection after processing.
func ReadCommand(r io.Reader) ([]byte, error) {
	br := bufio.NewReaderSize(r, 4096)
	buf := make([]byte, maxCommandSize)
	n, err := br.Read(buf)
	if n == 0 && err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return buf[:n], nil
}

// DecodeMsgpack is a thin wrapper kept for symmetry with EncodeMsgpack so
// callers never import vmihailenco/msgpack directly outside this package.
func DecodeMsgpack(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// EncodeMsgpack is a thin wrapper around msgpack.Marshal.
func EncodeMsgpack(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}
