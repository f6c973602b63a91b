package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pagedb/pagedb/internal/storage"
)

// LeafLevel is the sentinel stored in a node's level field that marks
// it as a leaf; any other value marks a non-leaf.
const LeafLevel int32 = -1

const (
	leafHeaderSize = 4 + 4 + 4 + 4 // level, numKeys, rightSibPageNo, crc32
	leafEntrySize  = 4 + 4 + 4     // key, RecordId.PageNo, RecordId.SlotNo

	// L is the leaf fanout: the number of (key, rid) slots a leaf page
	// can hold once its fixed header and checksum trailer are
	// accounted for.
	L = (storage.PageSize - leafHeaderSize) / leafEntrySize

	nonLeafHeaderSize = 4 + 4 + 4 // level, numKeys, crc32
	nonLeafEntrySize  = 4 + 4     // key, pageNo

	// M is the non-leaf fanout: the number of routing keys a non-leaf
	// page can hold. It carries M+1 child page numbers.
	M = (storage.PageSize - nonLeafHeaderSize - 4) / nonLeafEntrySize
)

// AttrType names the type of the attribute an index is built over.
// Integer is the only type the index format supports.
type AttrType int32

const AttrInteger AttrType = 0

// IndexMetaInfo is the index file's header page: the relation and
// attribute the index was built over, plus the current root.
type IndexMetaInfo struct {
	RelationName   string
	AttrByteOffset int32
	AttrType       AttrType
	RootPageNo     storage.PageId
}

const metaRelationNameCap = 228 // bytes reserved for RelationName, padded/truncated

// Encode writes m's fields into page's byte buffer in a fixed layout,
// trailed by a CRC32 checksum over everything preceding it.
func (m *IndexMetaInfo) Encode(page *storage.Page) {
	buf := page.Data()
	off := 0
	name := m.RelationName
	if len(name) > metaRelationNameCap {
		name = name[:metaRelationNameCap]
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(name)))
	off += 4
	copy(buf[off:off+metaRelationNameCap], name)
	off += metaRelationNameCap
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.AttrByteOffset))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.AttrType))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.RootPageNo))
	off += 4
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
}

// DecodeIndexMetaInfo reads a header page written by Encode, failing
// with ErrChecksumMismatch if the trailer doesn't match.
func DecodeIndexMetaInfo(page *storage.Page) (*IndexMetaInfo, error) {
	buf := page.Data()
	off := 0
	nameLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if nameLen < 0 || nameLen > metaRelationNameCap {
		return nil, fmt.Errorf("%w: relation name length %d out of range", ErrCorruptHeader, nameLen)
	}
	name := string(buf[off : off+nameLen])
	off += metaRelationNameCap
	attrByteOffset := int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	attrType := AttrType(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	rootPageNo := storage.PageId(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	if gotCRC := crc32.ChecksumIEEE(buf[:off]); gotCRC != wantCRC {
		return nil, ErrChecksumMismatch
	}
	return &IndexMetaInfo{
		RelationName:   name,
		AttrByteOffset: attrByteOffset,
		AttrType:       attrType,
		RootPageNo:     rootPageNo,
	}, nil
}

// PeekLevel reads just the level field out of a node page, without
// decoding the rest, so callers can dispatch to DecodeLeafNode or
// DecodeNonLeafNode.
func PeekLevel(page *storage.Page) int32 {
	return int32(binary.LittleEndian.Uint32(page.Data()[0:4]))
}

// LeafNode is the in-memory view of a leaf page: up to L (key, rid)
// entries in ascending key order, plus a pointer to the next leaf in
// key order.
type LeafNode struct {
	NumKeys        int32
	KeyArray       []int32
	RidArray       []storage.RecordId
	RightSibPageNo storage.PageId
}

// NewLeafNode returns an empty leaf with freshly allocated, full-width
// backing arrays.
func NewLeafNode() *LeafNode {
	return &LeafNode{
		KeyArray:       make([]int32, L),
		RidArray:       make([]storage.RecordId, L),
		RightSibPageNo: storage.InvalidPageId,
	}
}

// Encode writes the leaf's fields into page's byte buffer.
func (n *LeafNode) Encode(page *storage.Page) {
	buf := page.Data()
	leafLevel := LeafLevel
	binary.LittleEndian.PutUint32(buf[0:4], uint32(leafLevel))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n.NumKeys))
	off := 8
	for i := 0; i < L; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(n.KeyArray[i]))
		off += 4
	}
	for i := 0; i < L; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(n.RidArray[i].PageNo))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(n.RidArray[i].SlotNo))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(n.RightSibPageNo))
	off += 4
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
}

// DecodeLeafNode reads a leaf page written by Encode. It fails with
// ErrChecksumMismatch on a corrupt trailer and ErrNotALeaf if the
// page's level field doesn't mark it as a leaf.
func DecodeLeafNode(page *storage.Page) (*LeafNode, error) {
	buf := page.Data()
	level := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if level != LeafLevel {
		return nil, fmt.Errorf("%w: level %d", ErrNotALeaf, level)
	}
	n := &LeafNode{NumKeys: int32(binary.LittleEndian.Uint32(buf[4:8]))}
	off := 8
	n.KeyArray = make([]int32, L)
	for i := 0; i < L; i++ {
		n.KeyArray[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	n.RidArray = make([]storage.RecordId, L)
	for i := 0; i < L; i++ {
		pn := storage.PageId(int32(binary.LittleEndian.Uint32(buf[off:])))
		off += 4
		sn := int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		n.RidArray[i] = storage.RecordId{PageNo: pn, SlotNo: sn}
	}
	n.RightSibPageNo = storage.PageId(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	if gotCRC := crc32.ChecksumIEEE(buf[:off]); gotCRC != wantCRC {
		return nil, ErrChecksumMismatch
	}
	return n, nil
}

// NonLeafNode is the in-memory view of an internal page: numKeys
// routing keys and numKeys+1 child page numbers.
type NonLeafNode struct {
	Level       int32
	NumKeys     int32
	KeyArray    []int32
	PageNoArray []storage.PageId
}

// NewNonLeafNode returns an empty non-leaf at the given level with
// freshly allocated, full-width backing arrays.
func NewNonLeafNode(level int32) *NonLeafNode {
	return &NonLeafNode{
		Level:       level,
		KeyArray:    make([]int32, M),
		PageNoArray: make([]storage.PageId, M+1),
	}
}

// Encode writes the non-leaf's fields into page's byte buffer.
func (n *NonLeafNode) Encode(page *storage.Page) {
	buf := page.Data()
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n.Level))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n.NumKeys))
	off := 8
	for i := 0; i < M; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(n.KeyArray[i]))
		off += 4
	}
	for i := 0; i < M+1; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(n.PageNoArray[i]))
		off += 4
	}
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
}

// DecodeNonLeafNode reads a non-leaf page written by Encode.
func DecodeNonLeafNode(page *storage.Page) (*NonLeafNode, error) {
	buf := page.Data()
	level := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if level == LeafLevel {
		return nil, fmt.Errorf("%w: level %d", ErrNotANonLeaf, level)
	}
	n := &NonLeafNode{Level: level, NumKeys: int32(binary.LittleEndian.Uint32(buf[4:8]))}
	off := 8
	n.KeyArray = make([]int32, M)
	for i := 0; i < M; i++ {
		n.KeyArray[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	n.PageNoArray = make([]storage.PageId, M+1)
	for i := 0; i < M+1; i++ {
		n.PageNoArray[i] = storage.PageId(int32(binary.LittleEndian.Uint32(buf[off:])))
		off += 4
	}
	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	if gotCRC := crc32.ChecksumIEEE(buf[:off]); gotCRC != wantCRC {
		return nil, ErrChecksumMismatch
	}
	return n, nil
}

// childSlotFor returns the index into a non-leaf's PageNoArray whose
// subtree may contain probeKey, scanning keyArray[:numKeys] left to
// right. A probeKey equal to a separator routes to its right child.
func childSlotFor(keyArray []int32, numKeys int32, probeKey int32) int32 {
	for i := int32(0); i < numKeys; i++ {
		switch {
		case keyArray[i] < probeKey:
			continue
		case keyArray[i] == probeKey:
			return i + 1
		default:
			return i
		}
	}
	return numKeys
}

// sortedInsertPos returns the index at which key should be inserted
// into keyArray[:numKeys] to keep it sorted, placing duplicates after
// any existing equal keys (insertion order is preserved for ties).
func sortedInsertPos(keyArray []int32, numKeys int32, key int32) int32 {
	i := int32(0)
	for i < numKeys && keyArray[i] <= key {
		i++
	}
	return i
}
