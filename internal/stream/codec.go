package stream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hkevin01/wifi-radar/internal/types"
)

// MaxFrameBytes bounds a single encoded frame. A 3x3x64 frame is ~10 KiB.
const MaxFrameBytes = 16 << 20

// Encoder writes frames as a 4 byte big-endian length prefix followed by
// the msgpack encoded CSIFrame
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one frame. Call Flush to push buffered bytes.
func (e *Encoder) Encode(frame types.CSIFrame) error {
	payload, err := msgpack.Marshal(&frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := e.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Flush writes any buffered data to the underlying writer
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads frames written by Encoder
type Decoder struct {
	r         *bufio.Reader
	buf       []byte
	bytesRead uint64
}

// NewDecoder returns a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next frame. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF if the stream ends inside a record.
func (d *Decoder) Decode() (types.CSIFrame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		return types.CSIFrame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameBytes {
		return types.CSIFrame{}, fmt.Errorf("%w: length prefix %d", ErrFrameTooLarge, n)
	}

	if cap(d.buf) < int(n) {
		d.buf = make([]byte, n)
	}
	payload := d.buf[:n]
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return types.CSIFrame{}, err
	}
	d.bytesRead += uint64(4 + n)

	var frame types.CSIFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return types.CSIFrame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return frame, nil
}

// BytesRead returns the number of bytes consumed by complete records
func (d *Decoder) BytesRead() uint64 {
	return d.bytesRead
}
