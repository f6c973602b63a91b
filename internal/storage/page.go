// Package storage implements the paged-file layer consumed by the
// buffer pool and the B+ tree index: fixed-size pages identified by
// PageId, and a disk-backed File/BlobFile that persists them.
package storage

const (
	// PageSize is the fixed size, in bytes, of every page in a file.
	PageSize = 4096

	// InvalidPageId is the sentinel page identifier used for "no page"
	// (e.g. an unset rightSibPageNo, or a not-yet-allocated root).
	InvalidPageId PageId = -1
)

// PageId identifies a page within a single file. It is never
// meaningful across two different files.
type PageId int32

// RecordId locates a tuple in the underlying relation file: the page
// it lives on, plus its slot within that page.
type RecordId struct {
	PageNo PageId
	SlotNo int32
}

// Page is a fixed-size in-memory image of one on-disk page. The
// buffer pool owns the only mutable copy of data for any given
// (File, PageId); the B+ tree reads and writes through it directly.
type Page struct {
	id   PageId
	data []byte
}

// NewPage allocates a zeroed page image carrying the given id.
func NewPage(id PageId) *Page {
	return &Page{id: id, data: make([]byte, PageSize)}
}

// PageNumber returns the page's identity within its file.
func (p *Page) PageNumber() PageId { return p.id }

// SetPageNumber re-homes this page image onto a different identity.
// The buffer pool does not call it: it recycles a frame by copying a
// whole new Page image into it.
func (p *Page) SetPageNumber(id PageId) { p.id = id }

// Data returns the page's mutable byte buffer. Callers read/write
// directly into it; the buffer pool is responsible for tracking
// dirtiness via unPinPage, not this struct.
func (p *Page) Data() []byte { return p.data }

// Reset zeroes the page's contents and sets its identity to
// InvalidPageId. The buffer pool does not call it when recycling a
// frame.
func (p *Page) Reset() {
	p.id = InvalidPageId
	for i := range p.data {
		p.data[i] = 0
	}
}
