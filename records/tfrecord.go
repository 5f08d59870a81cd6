// Package records reads and writes the sharded record files consumed by the
// caption pipeline.
//
// Each shard is a TFRecord file: a sequence of length-prefixed payloads, each
// guarded by masked Castagnoli CRC32 checksums. Payloads are serialized
// tensorflow.SequenceExample protos, from which only two feature groups are
// consumed: a context byte-string holding the encoded image, and one or two
// integer feature lists holding the caption token ids.
package records

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// crcMaskDelta matches the TFRecord masking constant, so shards written here
// are readable by any other TFRecord implementation and vice versa.
const crcMaskDelta = 0xa282ead8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC returns the masked Castagnoli CRC32 of data.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + crcMaskDelta
}

// Reader reads raw record payloads from a TFRecord stream.
type Reader struct {
	reader *bufio.Reader
	header [12]byte
	footer [4]byte
}

// NewReader returns a Reader consuming records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// Next returns the next record payload. It returns io.EOF at a clean end of
// stream. A truncated record or checksum mismatch is returned as an error:
// the shard is considered corrupt and there is no resynchronization.
func (r *Reader) Next() ([]byte, error) {
	// Record layout:
	//  uint64  length
	//  uint32  masked crc of length
	//  bytes   data[length]
	//  uint32  masked crc of data
	if _, err := io.ReadFull(r.reader, r.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "truncated record header")
	}
	length := binary.LittleEndian.Uint64(r.header[0:8])
	lengthCRC := binary.LittleEndian.Uint32(r.header[8:12])
	if maskedCRC(r.header[0:8]) != lengthCRC {
		return nil, errors.Errorf("record length checksum mismatch (got %#x)", lengthCRC)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, errors.Wrapf(err, "truncated record payload (%d bytes expected)", length)
	}
	if _, err := io.ReadFull(r.reader, r.footer[:]); err != nil {
		return nil, errors.Wrap(err, "truncated record footer")
	}
	payloadCRC := binary.LittleEndian.Uint32(r.footer[0:4])
	if maskedCRC(payload) != payloadCRC {
		return nil, errors.Errorf("record payload checksum mismatch (got %#x)", payloadCRC)
	}
	return payload, nil
}

// Writer writes raw record payloads in TFRecord format.
type Writer struct {
	writer *bufio.Writer
}

// NewWriter returns a Writer emitting records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: bufio.NewWriter(w)}
}

// Write appends one record payload with its length prefix and checksums.
func (w *Writer) Write(payload []byte) error {
	var header [12]byte
	var footer [4]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[8:12], maskedCRC(header[0:8]))
	binary.LittleEndian.PutUint32(footer[0:4], maskedCRC(payload))
	if _, err := w.writer.Write(header[:]); err != nil {
		return errors.Wrap(err, "failed to write record header")
	}
	if _, err := w.writer.Write(payload); err != nil {
		return errors.Wrap(err, "failed to write record payload")
	}
	if _, err := w.writer.Write(footer[:]); err != nil {
		return errors.Wrap(err, "failed to write record footer")
	}
	return nil
}

// Flush writes any buffered records to the underlying io.Writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.writer.Flush(), "failed to flush records")
}
