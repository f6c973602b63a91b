package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

// FileScan is the record-level scan that feeds tuples to the index
// builder; callers supply their own implementation over whatever
// relation they're indexing. RelationFileScan below is the one
// concrete, minimal implementation this module carries so index
// construction can be exercised end to end; it is a harness, not part
// of the buffer-pool/B+-tree core itself.
type FileScan interface {
	// GetNext returns the next record's id and raw bytes, or io.EOF
	// once the relation is exhausted.
	GetNext() (RecordId, []byte, error)
	Close() error
}

// RelationFileScan reads fixed-length records from a flat file, one
// record per slot, recordSize bytes each. It is page-oblivious: the
// relation it scans is not a paged File, just a sequence of
// fixed-width records, matching how a real FileScan would front a
// heap file the CORE never has to understand.
type RelationFileScan struct {
	f          *os.File
	r          *bufio.Reader
	recordSize int
	nextSlot   int32
}

// NewRelationFileScan opens path for a scan over fixed-size records.
func NewRelationFileScan(path string, recordSize int) (*RelationFileScan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening relation %s: %v", ErrIO, path, err)
	}
	return &RelationFileScan{f: f, r: bufio.NewReaderSize(f, 1<<20), recordSize: recordSize}, nil
}

// GetNext returns the next record, or io.EOF when exhausted.
func (s *RelationFileScan) GetNext() (RecordId, []byte, error) {
	buf := make([]byte, s.recordSize)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return RecordId{}, nil, err
	}
	rid := RecordId{PageNo: 0, SlotNo: s.nextSlot}
	s.nextSlot++
	return rid, buf, nil
}

// Close releases the underlying file handle.
func (s *RelationFileScan) Close() error { return s.f.Close() }

// ExtractInt32Key reads a little-endian int32 key out of a record at
// the given byte offset, the only attribute type the index supports.
func ExtractInt32Key(record []byte, attrByteOffset int) (int32, error) {
	if attrByteOffset < 0 || attrByteOffset+4 > len(record) {
		return 0, fmt.Errorf("attrByteOffset %d out of range for record of %d bytes", attrByteOffset, len(record))
	}
	return int32(binary.LittleEndian.Uint32(record[attrByteOffset:])), nil
}

// WriteFixedRelation writes a scratch relation file holding len(keys)
// records, each recordSize bytes with a little-endian int32 key at
// attrByteOffset, used by tests to build a relation to scan without
// needing a real heap file implementation.
func WriteFixedRelation(dir string, recordSize, attrByteOffset int, keys []int32) (string, error) {
	path := dir + "/relation-" + uuid.NewString() + ".rel"
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: creating relation %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	buf := make([]byte, recordSize)
	for _, k := range keys {
		for i := range buf {
			buf[i] = 0
		}
		binary.LittleEndian.PutUint32(buf[attrByteOffset:], uint32(k))
		if _, err := f.Write(buf); err != nil {
			return "", fmt.Errorf("%w: writing relation %s: %v", ErrIO, path, err)
		}
	}
	return path, f.Sync()
}
