// Package buffer implements a fixed-size buffer pool over pagedb's
// paged-file layer, using CLOCK replacement with per-frame pin
// counting.
package buffer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pagedb/pagedb/internal/storage"
	"github.com/pagedb/pagedb/internal/telemetry"
)

// bufKey identifies a cached page by its owning file and page number.
// File implementations are expected to be pointer types, so two
// bufKeys compare equal iff they name the same page of the same open
// file handle.
type bufKey struct {
	file   storage.File
	pageNo storage.PageId
}

// BufDesc is the per-frame bookkeeping record: which page (if any) the
// frame holds, how many callers currently hold a pin on it, and the
// two CLOCK bits (refbit, and the overloaded valid bit).
type BufDesc struct {
	file    storage.File
	pageNo  storage.PageId
	frameNo int
	pinCnt  uint32
	dirty   bool
	valid   bool
	refbit  bool
}

func (d *BufDesc) clear() {
	d.file = nil
	d.pageNo = storage.InvalidPageId
	d.pinCnt = 0
	d.dirty = false
	d.valid = false
	d.refbit = false
}

// BufMgr is a fixed-size pool of page frames shared across every open
// File, replaced by a CLOCK sweep over pin counts and reference bits.
// It holds no internal lock: pagedb runs its buffer pool and index
// single-threaded, so callers never contend for a BufMgr concurrently.
type BufMgr struct {
	frames    []storage.Page
	descs     []BufDesc
	hashTable map[bufKey]int
	clockHand int
	numFrames int

	logger  *zap.Logger
	metrics *telemetry.BufferMetrics
}

// NewBufMgr allocates a pool of numFrames frames. logger may be nil,
// in which case allocation/eviction/failure events are discarded;
// metrics may be nil, in which case counters are skipped.
func NewBufMgr(numFrames int, logger *zap.Logger, metrics *telemetry.BufferMetrics) (*BufMgr, error) {
	if numFrames <= 0 {
		return nil, fmt.Errorf("buffer pool must have at least one frame, got %d", numFrames)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	descs := make([]BufDesc, numFrames)
	for i := range descs {
		descs[i].clear()
		descs[i].frameNo = i
	}
	return &BufMgr{
		frames:    make([]storage.Page, numFrames),
		descs:     descs,
		hashTable: make(map[bufKey]int, nextPrime(int(1.2*float64(numFrames))+1)),
		clockHand: numFrames - 1,
		numFrames: numFrames,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// allocBuf runs one CLOCK sweep and returns the frame number of a
// reclaimed frame, evicting and writing back its previous occupant if
// necessary. It returns ErrBufferExceeded if every frame is pinned.
func (bm *BufMgr) allocBuf() (int, error) {
	pinnedSeen := 0
	for {
		bm.clockHand = (bm.clockHand + 1) % bm.numFrames
		d := &bm.descs[bm.clockHand]

		if !d.valid {
			if d.pinCnt != 0 || d.dirty {
				return -1, fmt.Errorf("%w: frame %d", ErrBadBuffer, bm.clockHand)
			}
			return bm.clockHand, nil
		}
		if d.refbit {
			d.refbit = false
			continue
		}
		if d.pinCnt > 0 {
			pinnedSeen++
			if pinnedSeen >= bm.numFrames {
				bm.logger.Warn("buffer pool exhausted", zap.Int("numFrames", bm.numFrames))
				if bm.metrics != nil {
					bm.metrics.BufferExceeded(context.Background())
				}
				return -1, ErrBufferExceeded
			}
			continue
		}

		if d.dirty {
			if err := d.file.WritePage(&bm.frames[bm.clockHand]); err != nil {
				return -1, fmt.Errorf("%w: writing back frame %d: %v", ErrIO, bm.clockHand, err)
			}
			d.dirty = false
		}
		bm.logger.Debug("evicting frame",
			zap.Int("frameNo", bm.clockHand), zap.String("file", d.file.Filename()), zap.Int32("pageNo", int32(d.pageNo)))
		delete(bm.hashTable, bufKey{d.file, d.pageNo})
		d.clear()
		d.frameNo = bm.clockHand
		if bm.metrics != nil {
			bm.metrics.Eviction(context.Background())
		}
		return bm.clockHand, nil
	}
}

// ReadPage returns a pinned, resident copy of (file, pageNo), reading
// it in from disk on a miss. Every successful call must be balanced by
// exactly one UnpinPage.
func (bm *BufMgr) ReadPage(file storage.File, pageNo storage.PageId) (*storage.Page, error) {
	key := bufKey{file, pageNo}
	if frameNo, ok := bm.hashTable[key]; ok {
		d := &bm.descs[frameNo]
		d.refbit = true
		d.pinCnt++
		if bm.metrics != nil {
			bm.metrics.Hit(context.Background())
		}
		return &bm.frames[frameNo], nil
	}

	frameNo, err := bm.allocBuf()
	if err != nil {
		return nil, err
	}
	page, err := file.ReadPage(pageNo)
	if err != nil {
		return nil, err
	}
	bm.frames[frameNo] = *page
	bm.hashTable[key] = frameNo

	d := &bm.descs[frameNo]
	d.file, d.pageNo, d.frameNo = file, pageNo, frameNo
	d.valid, d.pinCnt, d.dirty, d.refbit = true, 1, false, true

	if bm.metrics != nil {
		bm.metrics.Miss(context.Background())
	}
	bm.logger.Debug("read page", zap.String("file", file.Filename()), zap.Int32("pageNo", int32(pageNo)), zap.Int("frameNo", frameNo))
	return &bm.frames[frameNo], nil
}

// UnpinPage releases one pin held on (file, pageNo). If dirty is true
// the frame is marked dirty; a frame once marked dirty stays dirty
// until it is written back, even across further clean unpins.
func (bm *BufMgr) UnpinPage(file storage.File, pageNo storage.PageId, dirty bool) error {
	frameNo, ok := bm.hashTable[bufKey{file, pageNo}]
	if !ok {
		return fmt.Errorf("%w: (%s, %d)", ErrHashNotFound, file.Filename(), pageNo)
	}
	d := &bm.descs[frameNo]
	if d.pinCnt == 0 {
		return fmt.Errorf("%w: (%s, %d) frame %d", ErrPageNotPinned, file.Filename(), pageNo, frameNo)
	}
	d.pinCnt--
	if dirty {
		d.dirty = true
	}
	return nil
}

// AllocPage extends file by one page and returns it pinned, ready for
// the caller to initialize. The page must be unpinned exactly once.
func (bm *BufMgr) AllocPage(file storage.File) (storage.PageId, *storage.Page, error) {
	pageNo, err := file.AllocatePage()
	if err != nil {
		return storage.InvalidPageId, nil, err
	}
	frameNo, err := bm.allocBuf()
	if err != nil {
		return storage.InvalidPageId, nil, err
	}

	bm.frames[frameNo] = *storage.NewPage(pageNo)
	bm.hashTable[bufKey{file, pageNo}] = frameNo

	d := &bm.descs[frameNo]
	d.file, d.pageNo, d.frameNo = file, pageNo, frameNo
	d.valid, d.pinCnt, d.dirty, d.refbit = true, 1, false, true

	bm.logger.Debug("allocated page", zap.String("file", file.Filename()), zap.Int32("pageNo", int32(pageNo)), zap.Int("frameNo", frameNo))
	return pageNo, &bm.frames[frameNo], nil
}

// FlushFile writes back every dirty resident frame belonging to file
// and drops file's pages from the pool. It fails with ErrPagePinned if
// any of file's frames is still pinned, and with ErrBadBuffer if a
// descriptor names file but is not marked valid.
func (bm *BufMgr) FlushFile(file storage.File) error {
	for frameNo := range bm.descs {
		d := &bm.descs[frameNo]
		if d.file != file {
			continue
		}
		if !d.valid {
			return fmt.Errorf("%w: frame %d names %s but is not valid", ErrBadBuffer, frameNo, file.Filename())
		}
		if d.pinCnt > 0 {
			return fmt.Errorf("%w: (%s, %d) frame %d", ErrPagePinned, file.Filename(), d.pageNo, frameNo)
		}
		if d.dirty {
			if err := file.WritePage(&bm.frames[frameNo]); err != nil {
				return fmt.Errorf("%w: flushing frame %d: %v", ErrIO, frameNo, err)
			}
			d.dirty = false
		}
		delete(bm.hashTable, bufKey{file, d.pageNo})
		d.clear()
		d.frameNo = frameNo
	}
	return nil
}

// DisposePage drops (file, pageNo) from the pool, if resident, and
// tells file to reclaim the page. It does not check for outstanding
// pins: callers must only dispose of pages they know to be unpinned.
func (bm *BufMgr) DisposePage(file storage.File, pageNo storage.PageId) error {
	key := bufKey{file, pageNo}
	if frameNo, ok := bm.hashTable[key]; ok {
		delete(bm.hashTable, key)
		bm.descs[frameNo].clear()
		bm.descs[frameNo].frameNo = frameNo
	}
	return file.DeletePage(pageNo)
}

// AllPinsReleased reports whether every frame in the pool currently
// has a pin count of zero. It is the testable form of the pin-balance
// invariant every top-level operation must uphold.
func (bm *BufMgr) AllPinsReleased() bool {
	for i := range bm.descs {
		if bm.descs[i].pinCnt != 0 {
			return false
		}
	}
	return true
}

// PrintSelf logs the pool's current frame table. It is a diagnostic
// aid, not load-bearing for correctness.
func (bm *BufMgr) PrintSelf() {
	for i, d := range bm.descs {
		if !d.valid {
			bm.logger.Info("frame", zap.Int("frameNo", i), zap.Bool("valid", false))
			continue
		}
		bm.logger.Info("frame",
			zap.Int("frameNo", i),
			zap.String("file", d.file.Filename()),
			zap.Int32("pageNo", int32(d.pageNo)),
			zap.Uint32("pinCnt", d.pinCnt),
			zap.Bool("dirty", d.dirty),
			zap.Bool("refbit", d.refbit))
	}
}

// Close writes back every dirty valid frame on a best-effort basis. It
// never returns an error: a frame still pinned at shutdown is flushed
// anyway, since there is no higher level left to retry the unpin.
func (bm *BufMgr) Close() {
	for i := range bm.descs {
		d := &bm.descs[i]
		if d.valid && d.dirty && d.file != nil {
			if err := d.file.WritePage(&bm.frames[i]); err != nil {
				bm.logger.Warn("failed to flush frame on close", zap.Int("frameNo", i), zap.Error(err))
				continue
			}
			d.dirty = false
		}
	}
}

// nextPrime returns the smallest prime >= n, used only to size the
// hash table's initial bucket count per the buffer pool's sizing
// guidance; Go's map never actually needs a prime bucket count, so
// this only tunes the initial allocation.
func nextPrime(n int) int {
	if n < 2 {
		return 2
	}
	for {
		if isPrime(n) {
			return n
		}
		n++
	}
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
