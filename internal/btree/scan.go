package btree

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagedb/pagedb/internal/storage"
)

// CompareOp names the comparison a scan bound is relative to.
type CompareOp int

const (
	GT CompareOp = iota
	GTE
	LT
	LTE
)

func isLowOp(op CompareOp) bool  { return op == GT || op == GTE }
func isHighOp(op CompareOp) bool { return op == LT || op == LTE }

// StartScan begins a bounded range scan over [lowVal, highVal] with
// the given inclusivity operators. If a scan is already active it is
// ended first. It fails with ErrNoSuchKeyFound if no stored key falls
// within the requested range.
func (idx *BTreeIndex) StartScan(lowVal int32, lowOp CompareOp, highVal int32, highOp CompareOp) error {
	if !isLowOp(lowOp) || !isHighOp(highOp) {
		return ErrBadOpcodes
	}
	if lowVal > highVal {
		return ErrBadScanrange
	}
	if idx.scanActive {
		if err := idx.EndScan(); err != nil {
			return err
		}
	}

	inclLow := lowVal
	if lowOp == GT {
		inclLow = lowVal + 1
	}
	inclHigh := highVal
	if highOp == LT {
		inclHigh = highVal - 1
	}

	curPageNo := idx.rootPageNo
	page, err := idx.bufMgr.ReadPage(idx.file, curPageNo)
	if err != nil {
		return err
	}

	for PeekLevel(page) != LeafLevel {
		nl, err := DecodeNonLeafNode(page)
		if err != nil {
			_ = idx.bufMgr.UnpinPage(idx.file, curPageNo, false)
			return err
		}
		childIdx := childSlotFor(nl.KeyArray, nl.NumKeys, inclLow)
		childPageNo := nl.PageNoArray[childIdx]
		if err := idx.bufMgr.UnpinPage(idx.file, curPageNo, false); err != nil {
			return err
		}
		curPageNo = childPageNo
		page, err = idx.bufMgr.ReadPage(idx.file, curPageNo)
		if err != nil {
			return err
		}
	}

	leaf, err := DecodeLeafNode(page)
	if err != nil {
		_ = idx.bufMgr.UnpinPage(idx.file, curPageNo, false)
		return err
	}

	entry := int32(0)
	for {
		for entry < leaf.NumKeys && leaf.KeyArray[entry] < inclLow {
			entry++
		}
		if entry < leaf.NumKeys {
			break
		}
		if leaf.RightSibPageNo == storage.InvalidPageId {
			_ = idx.bufMgr.UnpinPage(idx.file, curPageNo, false)
			return ErrNoSuchKeyFound
		}
		nextPageNo := leaf.RightSibPageNo
		if err := idx.bufMgr.UnpinPage(idx.file, curPageNo, false); err != nil {
			return err
		}
		curPageNo = nextPageNo
		nextPage, err := idx.bufMgr.ReadPage(idx.file, curPageNo)
		if err != nil {
			return err
		}
		leaf, err = DecodeLeafNode(nextPage)
		if err != nil {
			_ = idx.bufMgr.UnpinPage(idx.file, curPageNo, false)
			return err
		}
		entry = 0
	}

	if leaf.KeyArray[entry] > inclHigh {
		_ = idx.bufMgr.UnpinPage(idx.file, curPageNo, false)
		return ErrNoSuchKeyFound
	}

	idx.scanActive = true
	idx.scanCurPageNo = curPageNo
	idx.scanLeaf = leaf
	idx.scanNextEntry = entry
	idx.scanInclLow = inclLow
	idx.scanInclHigh = inclHigh
	idx.logger.Debug("scan started", zap.Int32("inclLow", inclLow), zap.Int32("inclHigh", inclHigh))
	return nil
}

// ScanNext returns the next qualifying record id, or
// ErrIndexScanCompleted once the active scan is exhausted.
func (idx *BTreeIndex) ScanNext() (storage.RecordId, error) {
	if !idx.scanActive {
		return storage.RecordId{}, ErrScanNotInitialized
	}
	if idx.scanNextEntry == -1 {
		return storage.RecordId{}, ErrIndexScanCompleted
	}
	if idx.scanLeaf.KeyArray[idx.scanNextEntry] > idx.scanInclHigh {
		if err := idx.bufMgr.UnpinPage(idx.file, idx.scanCurPageNo, false); err != nil {
			return storage.RecordId{}, err
		}
		idx.scanNextEntry = -1
		return storage.RecordId{}, ErrIndexScanCompleted
	}

	rid := idx.scanLeaf.RidArray[idx.scanNextEntry]

	if idx.scanNextEntry == idx.scanLeaf.NumKeys-1 {
		if idx.scanLeaf.RightSibPageNo == storage.InvalidPageId {
			if err := idx.bufMgr.UnpinPage(idx.file, idx.scanCurPageNo, false); err != nil {
				return storage.RecordId{}, err
			}
			idx.scanNextEntry = -1
		} else {
			nextPageNo := idx.scanLeaf.RightSibPageNo
			if err := idx.bufMgr.UnpinPage(idx.file, idx.scanCurPageNo, false); err != nil {
				return storage.RecordId{}, err
			}
			nextPage, err := idx.bufMgr.ReadPage(idx.file, nextPageNo)
			if err != nil {
				return storage.RecordId{}, err
			}
			nextLeaf, err := DecodeLeafNode(nextPage)
			if err != nil {
				_ = idx.bufMgr.UnpinPage(idx.file, nextPageNo, false)
				return storage.RecordId{}, err
			}
			idx.scanCurPageNo = nextPageNo
			idx.scanLeaf = nextLeaf
			idx.scanNextEntry = 0
		}
	} else {
		idx.scanNextEntry++
	}

	if idx.metrics != nil {
		idx.metrics.ScannedItem(context.Background())
	}
	return rid, nil
}

// EndScan releases the scan's held pin and clears its state.
func (idx *BTreeIndex) EndScan() error {
	if !idx.scanActive {
		return ErrScanNotInitialized
	}
	if idx.scanNextEntry != -1 {
		if err := idx.bufMgr.UnpinPage(idx.file, idx.scanCurPageNo, false); err != nil {
			return err
		}
	}
	idx.scanActive = false
	idx.scanLeaf = nil
	idx.scanCurPageNo = storage.InvalidPageId
	idx.scanNextEntry = 0
	return nil
}
