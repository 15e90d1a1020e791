package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame part to guard against a
// misbehaving peer claiming an absurd length and exhausting memory.
const maxFrameBytes = 16 << 20 // 16 MiB

// WriteMessage writes one three-part frame: peer identity, an empty
// delimiter, and the payload. Each part is prefixed
// with a uint32 big-endian length. Writes to a single connection must be
// serialized by the caller; this function performs one Write per part
// and a concurrent writer could interleave them.
func WriteMessage(w io.Writer, identity string, payload []byte) error {
	if err := writePart(w, []byte(identity)); err != nil {
		return fmt.Errorf("write identity frame: %w", err)
	}
	if err := writePart(w, nil); err != nil {
		return fmt.Errorf("write delimiter frame: %w", err)
	}
	if err := writePart(w, payload); err != nil {
		return fmt.Errorf("write payload frame: %w", err)
	}
	return nil
}

func writePart(w io.Writer, part []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(part)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(part) == 0 {
		return nil
	}
	_, err := w.Write(part)
	return err
}

// ReadMessage reads one three-part frame from r. A malformed frame (a
// part exceeding maxFrameBytes, or a non-empty delimiter) is reported as
// an error; the caller must log and discard it rather than failing any
// pending request, so the request this frame might have answered simply
// times out.
func ReadMessage(r *bufio.Reader) (identity string, payload []byte, err error) {
	identityBytes, err := readPart(r)
	if err != nil {
		return "", nil, err
	}
	delim, err := readPart(r)
	if err != nil {
		return "", nil, err
	}
	if len(delim) != 0 {
		return "", nil, fmt.Errorf("malformed frame: delimiter part was not empty")
	}
	payload, err = readPart(r)
	if err != nil {
		return "", nil, err
	}
	return string(identityBytes), payload, nil
}

func readPart(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxFrameBytes {
		return nil, fmt.Errorf("malformed frame: part of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
