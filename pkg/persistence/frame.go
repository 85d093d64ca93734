package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Constants for the snapshot binary framing.
const (
	// MagicByte marks the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// OpCodeHeader frames carry the JSON model header.
	OpCodeHeader = 0x01
	// OpCodeGraph frames carry the gob encoded graph.
	OpCodeGraph = 0x02
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a snapshot.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the stream ended in the middle of a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrUnexpectedOpCode is returned when frames appear out of order.
	ErrUnexpectedOpCode = errors.New("unexpected frame opcode")
)

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a binary frame and writes it.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	header := make([]byte, HeaderSize)
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	// Callers pass a bufio.Writer so header and payload reach the file together.
	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads the next frame, validating the magic byte and the CRC32
// checksum. It returns the opcode, the payload and the total bytes read.
func ReadFrame(r io.Reader) (byte, []byte, int, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		// EOF exactly at a frame boundary is a clean end of stream.
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return 0, nil, HeaderSize, ErrInvalidMagic
	}
	op := header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return op, nil, HeaderSize, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return op, nil, HeaderSize + int(length), ErrChecksumMismatch
	}
	return op, payload, HeaderSize + int(length), nil
}

// readExpected reads a frame and checks its opcode.
func readExpected(r io.Reader, want byte) ([]byte, error) {
	op, payload, _, err := ReadFrame(r)
	if err != nil {
		if err == io.EOF {
			return nil, ErrIncompleteFrame
		}
		return nil, err
	}
	if op != want {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrUnexpectedOpCode, op, want)
	}
	return payload, nil
}
