// Package btree implements a disk-backed B+ tree index over a single
// integer attribute, built on top of pagedb's buffer pool. Every node
// occupies exactly one page and is read and written exclusively
// through the pool's pin/unpin discipline.
package btree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pagedb/pagedb/internal/buffer"
	"github.com/pagedb/pagedb/internal/storage"
	"github.com/pagedb/pagedb/internal/telemetry"
)

// BTreeIndex is a B+ tree index over one integer attribute of a
// relation, persisted as its own paged file alongside the relation.
type BTreeIndex struct {
	bufMgr *buffer.BufMgr
	file   storage.File

	headerPageNo storage.PageId
	rootPageNo   storage.PageId

	relationName   string
	attrByteOffset int32
	attrType       AttrType

	scanActive    bool
	scanCurPageNo storage.PageId
	scanLeaf      *LeafNode
	scanNextEntry int32
	scanInclLow   int32
	scanInclHigh  int32

	logger  *zap.Logger
	metrics *telemetry.TreeMetrics
}

// indexFileName derives an index's filename from the relation it
// indexes and the byte offset of the attribute within each record.
func indexFileName(relationName string, attrByteOffset int32) string {
	return fmt.Sprintf("%s.%d.idx", relationName, attrByteOffset)
}

// openOrCreateIndexFile probes for an existing index file before
// falling back to creating one, so callers can distinguish the two
// paths without racing a plain existence check against BlobFile's own
// create-vs-open semantics.
func openOrCreateIndexFile(name string) (*storage.BlobFile, bool, error) {
	f, err := storage.NewBlobFile(name, false)
	if err == nil {
		return f, false, nil
	}
	if !errors.Is(err, storage.ErrFileNotFound) {
		return nil, false, err
	}
	f, err = storage.NewBlobFile(name, true)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// NewBTreeIndex opens the index over (relationName, attrByteOffset),
// creating it if it does not already exist. logger and metrics may be
// nil.
func NewBTreeIndex(relationName string, attrByteOffset int32, attrType AttrType, bufMgr *buffer.BufMgr, logger *zap.Logger, metrics *telemetry.TreeMetrics) (*BTreeIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, created, err := openOrCreateIndexFile(indexFileName(relationName, attrByteOffset))
	if err != nil {
		return nil, err
	}

	idx := &BTreeIndex{
		bufMgr:         bufMgr,
		file:           f,
		relationName:   relationName,
		attrByteOffset: attrByteOffset,
		attrType:       attrType,
		logger:         logger,
		metrics:        metrics,
		scanCurPageNo:  storage.InvalidPageId,
	}

	if created {
		if err := idx.initEmpty(); err != nil {
			return nil, err
		}
		logger.Debug("created index", zap.String("file", f.Filename()))
		return idx, nil
	}

	if err := idx.openExisting(); err != nil {
		return nil, err
	}
	logger.Debug("opened index", zap.String("file", f.Filename()), zap.Int32("rootPageNo", int32(idx.rootPageNo)))
	return idx, nil
}

func (idx *BTreeIndex) initEmpty() error {
	headerPageNo, headerPage, err := idx.bufMgr.AllocPage(idx.file)
	if err != nil {
		return err
	}
	rootPageNo, rootPage, err := idx.bufMgr.AllocPage(idx.file)
	if err != nil {
		_ = idx.bufMgr.UnpinPage(idx.file, headerPageNo, false)
		return err
	}

	root := NewLeafNode()
	root.Encode(rootPage)
	if err := idx.bufMgr.UnpinPage(idx.file, rootPageNo, true); err != nil {
		return err
	}

	meta := &IndexMetaInfo{
		RelationName:   idx.relationName,
		AttrByteOffset: idx.attrByteOffset,
		AttrType:       idx.attrType,
		RootPageNo:     rootPageNo,
	}
	meta.Encode(headerPage)
	if err := idx.bufMgr.UnpinPage(idx.file, headerPageNo, true); err != nil {
		return err
	}

	idx.headerPageNo = headerPageNo
	idx.rootPageNo = rootPageNo
	return nil
}

func (idx *BTreeIndex) openExisting() error {
	headerPageNo := idx.file.GetFirstPageNo()
	headerPage, err := idx.bufMgr.ReadPage(idx.file, headerPageNo)
	if err != nil {
		return err
	}
	meta, err := DecodeIndexMetaInfo(headerPage)
	if uerr := idx.bufMgr.UnpinPage(idx.file, headerPageNo, false); uerr != nil {
		return uerr
	}
	if err != nil {
		return err
	}
	idx.headerPageNo = headerPageNo
	idx.rootPageNo = meta.RootPageNo
	idx.relationName = meta.RelationName
	idx.attrByteOffset = meta.AttrByteOffset
	idx.attrType = meta.AttrType
	return nil
}

// persistRoot rewrites the header page's rootPageNo, used after the
// root changes identity (first creation is handled by initEmpty; this
// covers every later root split).
func (idx *BTreeIndex) persistRoot() error {
	headerPage, err := idx.bufMgr.ReadPage(idx.file, idx.headerPageNo)
	if err != nil {
		return err
	}
	meta, err := DecodeIndexMetaInfo(headerPage)
	if err != nil {
		_ = idx.bufMgr.UnpinPage(idx.file, idx.headerPageNo, false)
		return err
	}
	meta.RootPageNo = idx.rootPageNo
	meta.Encode(headerPage)
	return idx.bufMgr.UnpinPage(idx.file, idx.headerPageNo, true)
}

// splitResult is the promotion channel a split hands back to its
// caller: the key to insert into the parent and the page number of
// the newly allocated right sibling. ok is false when no split
// occurred.
type splitResult struct {
	key       int32
	newPageNo storage.PageId
	ok        bool
}

// InsertEntry inserts (key, rid) into the tree, splitting nodes along
// the insertion path as needed. Duplicates are permitted and are
// stored in insertion order within whichever leaf receives them.
func (idx *BTreeIndex) InsertEntry(key int32, rid storage.RecordId) error {
	result, err := idx.insertIntoSubtree(idx.rootPageNo, key, rid)
	if err != nil {
		return err
	}
	if result.ok {
		if err := idx.splitRoot(result); err != nil {
			return err
		}
	}
	if idx.metrics != nil {
		idx.metrics.Insert(context.Background())
	}
	return nil
}

func (idx *BTreeIndex) splitRoot(result splitResult) error {
	oldRootPage, err := idx.bufMgr.ReadPage(idx.file, idx.rootPageNo)
	if err != nil {
		return err
	}
	oldRootLevel := PeekLevel(oldRootPage)
	if err := idx.bufMgr.UnpinPage(idx.file, idx.rootPageNo, false); err != nil {
		return err
	}

	newRootLevel := int32(1)
	if oldRootLevel != LeafLevel {
		newRootLevel = oldRootLevel + 1
	}

	newRootPageNo, newRootPage, err := idx.bufMgr.AllocPage(idx.file)
	if err != nil {
		return err
	}
	newRoot := NewNonLeafNode(newRootLevel)
	newRoot.NumKeys = 1
	newRoot.KeyArray[0] = result.key
	newRoot.PageNoArray[0] = idx.rootPageNo
	newRoot.PageNoArray[1] = result.newPageNo
	newRoot.Encode(newRootPage)
	if err := idx.bufMgr.UnpinPage(idx.file, newRootPageNo, true); err != nil {
		return err
	}

	idx.rootPageNo = newRootPageNo
	return idx.persistRoot()
}

// insertIntoSubtree pins pageNo, descends if it's a non-leaf (keeping
// pageNo pinned across the recursive call, per the textbook recursive
// split algorithm), applies any promotion the recursion produced, and
// unpins pageNo before returning its own promotion (if it split).
func (idx *BTreeIndex) insertIntoSubtree(pageNo storage.PageId, key int32, rid storage.RecordId) (splitResult, error) {
	page, err := idx.bufMgr.ReadPage(idx.file, pageNo)
	if err != nil {
		return splitResult{}, err
	}

	if PeekLevel(page) == LeafLevel {
		leaf, err := DecodeLeafNode(page)
		if err != nil {
			_ = idx.bufMgr.UnpinPage(idx.file, pageNo, false)
			return splitResult{}, err
		}
		var result splitResult
		if leaf.NumKeys == L {
			result, err = idx.splitLeaf(leaf, key, rid)
			if err != nil {
				_ = idx.bufMgr.UnpinPage(idx.file, pageNo, false)
				return splitResult{}, err
			}
		} else {
			insertLeafEntry(leaf, key, rid)
		}
		leaf.Encode(page)
		if err := idx.bufMgr.UnpinPage(idx.file, pageNo, true); err != nil {
			return splitResult{}, err
		}
		return result, nil
	}

	nl, err := DecodeNonLeafNode(page)
	if err != nil {
		_ = idx.bufMgr.UnpinPage(idx.file, pageNo, false)
		return splitResult{}, err
	}
	childIdx := childSlotFor(nl.KeyArray, nl.NumKeys, key)
	childPageNo := nl.PageNoArray[childIdx]

	childResult, err := idx.insertIntoSubtree(childPageNo, key, rid)
	if err != nil {
		_ = idx.bufMgr.UnpinPage(idx.file, pageNo, false)
		return splitResult{}, err
	}

	var result splitResult
	dirty := false
	if childResult.ok {
		dirty = true
		if nl.NumKeys == M {
			result, err = idx.splitNonLeaf(nl, childIdx, childResult.key, childResult.newPageNo)
			if err != nil {
				_ = idx.bufMgr.UnpinPage(idx.file, pageNo, false)
				return splitResult{}, err
			}
		} else {
			insertNonLeafEntry(nl, childIdx, childResult.key, childResult.newPageNo)
		}
	}
	nl.Encode(page)
	if err := idx.bufMgr.UnpinPage(idx.file, pageNo, dirty); err != nil {
		return splitResult{}, err
	}
	return result, nil
}

// insertLeafEntry inserts (key, rid) into a non-full leaf, shifting
// later entries right to keep KeyArray sorted.
func insertLeafEntry(leaf *LeafNode, key int32, rid storage.RecordId) {
	pos := sortedInsertPos(leaf.KeyArray, leaf.NumKeys, key)
	for i := leaf.NumKeys; i > pos; i-- {
		leaf.KeyArray[i] = leaf.KeyArray[i-1]
		leaf.RidArray[i] = leaf.RidArray[i-1]
	}
	leaf.KeyArray[pos] = key
	leaf.RidArray[pos] = rid
	leaf.NumKeys++
}

// splitLeaf splits an already-full leaf to make room for (key, rid),
// moving the upper half of its entries into a freshly allocated right
// sibling and promoting the new sibling's first key.
func (idx *BTreeIndex) splitLeaf(leaf *LeafNode, key int32, rid storage.RecordId) (splitResult, error) {
	mid := L / 2
	newPageNo, newPage, err := idx.bufMgr.AllocPage(idx.file)
	if err != nil {
		return splitResult{}, err
	}

	newLeaf := NewLeafNode()
	newLeaf.NumKeys = int32(L - mid)
	copy(newLeaf.KeyArray, leaf.KeyArray[mid:L])
	copy(newLeaf.RidArray, leaf.RidArray[mid:L])
	newLeaf.RightSibPageNo = leaf.RightSibPageNo

	for i := mid; i < L; i++ {
		leaf.KeyArray[i] = 0
		leaf.RidArray[i] = storage.RecordId{}
	}
	leaf.NumKeys = int32(mid)
	leaf.RightSibPageNo = newPageNo

	if key < newLeaf.KeyArray[0] {
		insertLeafEntry(leaf, key, rid)
	} else {
		insertLeafEntry(newLeaf, key, rid)
	}

	newLeaf.Encode(newPage)
	if err := idx.bufMgr.UnpinPage(idx.file, newPageNo, true); err != nil {
		return splitResult{}, err
	}
	if idx.metrics != nil {
		idx.metrics.Split(context.Background())
	}
	return splitResult{key: newLeaf.KeyArray[0], newPageNo: newPageNo, ok: true}, nil
}

// insertNonLeafEntry inserts a (promotedKey, newPageNo) separator into
// a non-full non-leaf, at the position dictated by childIdx: the
// separator lands at KeyArray[childIdx] and the new child pointer at
// PageNoArray[childIdx+1], since childIdx is where the child that just
// split was found.
func insertNonLeafEntry(nl *NonLeafNode, childIdx int32, promotedKey int32, newPageNo storage.PageId) {
	for i := nl.NumKeys; i > childIdx; i-- {
		nl.KeyArray[i] = nl.KeyArray[i-1]
	}
	nl.KeyArray[childIdx] = promotedKey
	for i := nl.NumKeys + 1; i > childIdx+1; i-- {
		nl.PageNoArray[i] = nl.PageNoArray[i-1]
	}
	nl.PageNoArray[childIdx+1] = newPageNo
	nl.NumKeys++
}

// splitNonLeaf splits an already-full non-leaf to make room for a new
// (promotedKey, newPageNo) separator at childIdx. It builds the
// combined M+1-key, M+2-child layout in scratch arrays first, then
// copies each half into its own node and truncates — never an
// in-place shifted overwrite — so the median key is cleanly removed
// from both halves rather than duplicated or dropped.
func (idx *BTreeIndex) splitNonLeaf(nl *NonLeafNode, childIdx int32, promotedKey int32, newPageNo storage.PageId) (splitResult, error) {
	tmpKeys := make([]int32, M+1)
	copy(tmpKeys[:childIdx], nl.KeyArray[:childIdx])
	tmpKeys[childIdx] = promotedKey
	copy(tmpKeys[childIdx+1:], nl.KeyArray[childIdx:M])

	tmpPages := make([]storage.PageId, M+2)
	copy(tmpPages[:childIdx+1], nl.PageNoArray[:childIdx+1])
	tmpPages[childIdx+1] = newPageNo
	copy(tmpPages[childIdx+2:], nl.PageNoArray[childIdx+1:M+1])

	mid := (M + 1) / 2

	newRightPageNo, newRightPage, err := idx.bufMgr.AllocPage(idx.file)
	if err != nil {
		return splitResult{}, err
	}
	newRight := NewNonLeafNode(nl.Level)
	newRight.NumKeys = int32(M - mid)
	copy(newRight.KeyArray, tmpKeys[mid+1:])
	copy(newRight.PageNoArray, tmpPages[mid+1:])
	newRight.Encode(newRightPage)
	if err := idx.bufMgr.UnpinPage(idx.file, newRightPageNo, true); err != nil {
		return splitResult{}, err
	}

	for i := range nl.KeyArray {
		nl.KeyArray[i] = 0
	}
	for i := range nl.PageNoArray {
		nl.PageNoArray[i] = storage.InvalidPageId
	}
	copy(nl.KeyArray, tmpKeys[:mid])
	copy(nl.PageNoArray, tmpPages[:mid+1])
	nl.NumKeys = int32(mid)

	if idx.metrics != nil {
		idx.metrics.Split(context.Background())
	}
	return splitResult{key: tmpKeys[mid], newPageNo: newRightPageNo, ok: true}, nil
}

// Height returns the number of levels between the root and a leaf,
// inclusive of the leaf (a tree with only a root leaf has height 1).
// It is a diagnostic aid and obeys normal pin/unpin discipline.
func (idx *BTreeIndex) Height() (int, error) {
	pageNo := idx.rootPageNo
	height := 0
	for {
		page, err := idx.bufMgr.ReadPage(idx.file, pageNo)
		if err != nil {
			return 0, err
		}
		height++
		level := PeekLevel(page)
		if level == LeafLevel {
			return height, idx.bufMgr.UnpinPage(idx.file, pageNo, false)
		}
		nl, err := DecodeNonLeafNode(page)
		if err != nil {
			_ = idx.bufMgr.UnpinPage(idx.file, pageNo, false)
			return 0, err
		}
		next := nl.PageNoArray[0]
		if err := idx.bufMgr.UnpinPage(idx.file, pageNo, false); err != nil {
			return 0, err
		}
		pageNo = next
	}
}

// PrintSelf logs the index's root and height. A full tree dump is left
// to the caller, who can walk the tree via StartScan/ScanNext.
func (idx *BTreeIndex) PrintSelf() {
	height, err := idx.Height()
	if err != nil {
		idx.logger.Warn("printSelf failed", zap.Error(err))
		return
	}
	idx.logger.Info("index", zap.String("relation", idx.relationName), zap.Int32("rootPageNo", int32(idx.rootPageNo)), zap.Int("height", height))
}

// Close flushes the index file through the buffer pool. It must be
// called with no scan active and no pages pinned.
func (idx *BTreeIndex) Close() error {
	if idx.scanActive {
		if err := idx.EndScan(); err != nil {
			idx.logger.Warn("closing index with scan still active", zap.Error(err))
		}
	}
	return idx.bufMgr.FlushFile(idx.file)
}
