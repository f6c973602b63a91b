package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedb/pagedb/internal/storage"
)

func newTestFile(t *testing.T) *storage.BlobFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	f, err := storage.NewBlobFile(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func allocNPages(t *testing.T, f *storage.BlobFile, n int) []storage.PageId {
	t.Helper()
	ids := make([]storage.PageId, n)
	for i := 0; i < n; i++ {
		id, err := f.AllocatePage()
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestBufMgrBasicPinning(t *testing.T) {
	f := newTestFile(t)
	ids := allocNPages(t, f, 3)

	bm, err := NewBufMgr(3, nil, nil)
	require.NoError(t, err)

	p0, err := bm.ReadPage(f, ids[0])
	require.NoError(t, err)
	require.Equal(t, ids[0], p0.PageNumber())

	p1, err := bm.ReadPage(f, ids[1])
	require.NoError(t, err)
	require.Equal(t, ids[1], p1.PageNumber())

	// Re-reading an already-resident page must not consume a fresh
	// frame: it returns the same image and bumps the same pin count.
	p0Again, err := bm.ReadPage(f, ids[0])
	require.NoError(t, err)
	require.Same(t, p0, p0Again)

	require.NoError(t, bm.UnpinPage(f, ids[0], false))
	require.NoError(t, bm.UnpinPage(f, ids[0], false))

	// A third unpin of an already-unpinned page must fail.
	err = bm.UnpinPage(f, ids[0], false)
	require.ErrorIs(t, err, ErrPageNotPinned)

	require.NoError(t, bm.UnpinPage(f, ids[1], false))
}

func TestBufMgrBufferExceeded(t *testing.T) {
	f := newTestFile(t)
	ids := allocNPages(t, f, 3)

	bm, err := NewBufMgr(2, nil, nil)
	require.NoError(t, err)

	_, err = bm.ReadPage(f, ids[0])
	require.NoError(t, err)
	_, err = bm.ReadPage(f, ids[1])
	require.NoError(t, err)

	// Both frames are pinned; a third distinct page has nowhere to go.
	_, err = bm.ReadPage(f, ids[2])
	require.ErrorIs(t, err, ErrBufferExceeded)
}

func TestBufMgrEvictsUnpinnedFrame(t *testing.T) {
	f := newTestFile(t)
	ids := allocNPages(t, f, 3)

	bm, err := NewBufMgr(2, nil, nil)
	require.NoError(t, err)

	_, err = bm.ReadPage(f, ids[0])
	require.NoError(t, err)
	require.NoError(t, bm.UnpinPage(f, ids[0], false))

	_, err = bm.ReadPage(f, ids[1])
	require.NoError(t, err)

	// ids[0] is unpinned, so the third read can evict it and succeed.
	_, err = bm.ReadPage(f, ids[2])
	require.NoError(t, err)
}

func TestBufMgrDirtyPageWrittenBackOnEviction(t *testing.T) {
	f := newTestFile(t)
	ids := allocNPages(t, f, 2)

	bm, err := NewBufMgr(1, nil, nil)
	require.NoError(t, err)

	p0, err := bm.ReadPage(f, ids[0])
	require.NoError(t, err)
	p0.Data()[0] = 0xAB
	require.NoError(t, bm.UnpinPage(f, ids[0], true))

	// Forces eviction of ids[0]'s frame, which must flush it first.
	_, err = bm.ReadPage(f, ids[1])
	require.NoError(t, err)
	require.NoError(t, bm.UnpinPage(f, ids[1], false))

	raw, err := f.ReadPage(ids[0])
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), raw.Data()[0])
}

func TestBufMgrAllocPage(t *testing.T) {
	f := newTestFile(t)
	bm, err := NewBufMgr(2, nil, nil)
	require.NoError(t, err)

	pageNo, page, err := bm.AllocPage(f)
	require.NoError(t, err)
	require.Equal(t, storage.PageId(0), pageNo)
	page.Data()[10] = 7
	require.NoError(t, bm.UnpinPage(f, pageNo, true))
	require.NoError(t, bm.FlushFile(f))

	raw, err := f.ReadPage(pageNo)
	require.NoError(t, err)
	require.Equal(t, byte(7), raw.Data()[10])
}

func TestBufMgrFlushFileFailsOnPinned(t *testing.T) {
	f := newTestFile(t)
	ids := allocNPages(t, f, 1)
	bm, err := NewBufMgr(1, nil, nil)
	require.NoError(t, err)

	_, err = bm.ReadPage(f, ids[0])
	require.NoError(t, err)

	err = bm.FlushFile(f)
	require.ErrorIs(t, err, ErrPagePinned)
}

func TestBufMgrUnpinUnknownPage(t *testing.T) {
	f := newTestFile(t)
	bm, err := NewBufMgr(1, nil, nil)
	require.NoError(t, err)

	err = bm.UnpinPage(f, 42, false)
	require.ErrorIs(t, err, ErrHashNotFound)
}
