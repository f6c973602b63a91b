package btree

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedb/pagedb/internal/buffer"
	"github.com/pagedb/pagedb/internal/storage"
)

func newTestIndex(t *testing.T, numFrames int) (*BTreeIndex, *buffer.BufMgr) {
	t.Helper()
	bm, err := buffer.NewBufMgr(numFrames, nil, nil)
	require.NoError(t, err)

	relation := filepath.Join(t.TempDir(), "employees")
	idx, err := NewBTreeIndex(relation, 0, AttrInteger, bm, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, bm
}

func ridFor(key int32) storage.RecordId {
	return storage.RecordId{PageNo: storage.PageId(key), SlotNo: 0}
}

func insertShuffled(t *testing.T, idx *BTreeIndex, n int) []int32 {
	t.Helper()
	keys := make([]int32, n)
	for i := range keys {
		keys[i] = int32(i)
	}
	rand.New(rand.NewSource(42)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		require.NoError(t, idx.InsertEntry(k, ridFor(k)))
	}
	return keys
}

func TestInsertionThenPointScan(t *testing.T) {
	idx, bm := newTestIndex(t, 16)
	insertShuffled(t, idx, 5000)
	require.True(t, bm.AllPinsReleased())

	require.NoError(t, idx.StartScan(2500, GTE, 2500, LTE))
	rid, err := idx.ScanNext()
	require.NoError(t, err)
	require.Equal(t, ridFor(2500), rid)

	_, err = idx.ScanNext()
	require.ErrorIs(t, err, ErrIndexScanCompleted)
	require.True(t, bm.AllPinsReleased())
}

func TestRangeScanExclusiveLowInclusiveHigh(t *testing.T) {
	idx, bm := newTestIndex(t, 16)
	insertShuffled(t, idx, 5000)

	require.NoError(t, idx.StartScan(10, GT, 20, LTE))
	var got []int32
	for {
		rid, err := idx.ScanNext()
		if err != nil {
			require.ErrorIs(t, err, ErrIndexScanCompleted)
			break
		}
		got = append(got, int32(rid.PageNo))
	}
	want := []int32{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	require.Equal(t, want, got)
	require.True(t, bm.AllPinsReleased())
}

func TestEmptyRangeScan(t *testing.T) {
	idx, bm := newTestIndex(t, 16)
	insertShuffled(t, idx, 100)

	err := idx.StartScan(500, GTE, 600, LTE)
	require.ErrorIs(t, err, ErrNoSuchKeyFound)
	require.True(t, bm.AllPinsReleased())
}

func TestScanValidation(t *testing.T) {
	idx, _ := newTestIndex(t, 16)
	insertShuffled(t, idx, 10)

	require.ErrorIs(t, idx.StartScan(1, LT, 5, LTE), ErrBadOpcodes)
	require.ErrorIs(t, idx.StartScan(1, GTE, 5, GT), ErrBadOpcodes)
	require.ErrorIs(t, idx.StartScan(5, GTE, 1, LTE), ErrBadScanrange)

	_, err := idx.ScanNext()
	require.ErrorIs(t, err, ErrScanNotInitialized)
	require.ErrorIs(t, idx.EndScan(), ErrScanNotInitialized)
}

func TestPersistenceRoundTrip(t *testing.T) {
	bm, err := buffer.NewBufMgr(16, nil, nil)
	require.NoError(t, err)

	relation := filepath.Join(t.TempDir(), "orders")
	idx, err := NewBTreeIndex(relation, 4, AttrInteger, bm, nil, nil)
	require.NoError(t, err)

	keys := insertShuffled(t, idx, 2000)
	require.NoError(t, idx.Close())

	reopened, err := NewBTreeIndex(relation, 4, AttrInteger, bm, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	require.NoError(t, reopened.StartScan(0, GTE, int32(len(keys))-1, LTE))
	var got []int32
	for {
		rid, err := reopened.ScanNext()
		if err != nil {
			require.ErrorIs(t, err, ErrIndexScanCompleted)
			break
		}
		got = append(got, int32(rid.PageNo))
	}
	want := make([]int32, len(keys))
	for i := range want {
		want[i] = int32(i)
	}
	require.Equal(t, want, got)
}

func TestDuplicateKeysPreserveInsertionOrder(t *testing.T) {
	idx, bm := newTestIndex(t, 16)

	rids := []storage.RecordId{
		{PageNo: 0, SlotNo: 0},
		{PageNo: 0, SlotNo: 1},
		{PageNo: 0, SlotNo: 2},
	}
	for _, r := range rids {
		require.NoError(t, idx.InsertEntry(7, r))
	}

	require.NoError(t, idx.StartScan(7, GTE, 7, LTE))
	for _, want := range rids {
		got, err := idx.ScanNext()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := idx.ScanNext()
	require.ErrorIs(t, err, ErrIndexScanCompleted)
	require.True(t, bm.AllPinsReleased())
}
