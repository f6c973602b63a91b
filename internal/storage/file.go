package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Error kinds surfaced by the paged-file layer.
var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileExists   = errors.New("file already exists")
	ErrIO           = errors.New("i/o error")
)

// File is the paged-file abstraction the buffer pool and the B+ tree
// consume. It is an external collaborator: BlobFile below is the one
// concrete, disk-backed implementation this module carries so the
// buffer pool and index have something real to drive end to end.
type File interface {
	AllocatePage() (PageId, error)
	ReadPage(pageNo PageId) (*Page, error)
	WritePage(page *Page) error
	DeletePage(pageNo PageId) error
	GetFirstPageNo() PageId
	Filename() string
}

// BlobFile is a flat, page-granular file: page i occupies bytes
// [i*PageSize, (i+1)*PageSize) of the underlying os.File. It assigns
// new PageIds by extending the file, and never reclaims a deleted
// page's slot.
type BlobFile struct {
	name     string
	file     *os.File
	numPages PageId
}

// NewBlobFile opens or creates a BlobFile depending on create. It
// fails with ErrFileNotFound if !create and the file is missing, and
// with ErrFileExists if create and the file already exists.
func NewBlobFile(name string, create bool) (*BlobFile, error) {
	_, statErr := os.Stat(name)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", ErrIO, name, err)
		}
		return &BlobFile{name: name, file: f, numPages: 0}, nil
	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, name)
		}
		f, err := os.OpenFile(name, os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, name, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: stating %s: %v", ErrIO, name, err)
		}
		return &BlobFile{name: name, file: f, numPages: PageId(fi.Size() / PageSize)}, nil
	default:
		return nil, fmt.Errorf("%w: stating %s: %v", ErrIO, name, statErr)
	}
}

// AllocatePage extends the file by one page and returns its fresh id.
// The new page's bytes are zeroed.
func (bf *BlobFile) AllocatePage() (PageId, error) {
	id := bf.numPages
	if _, err := bf.file.WriteAt(make([]byte, PageSize), int64(id)*PageSize); err != nil {
		return InvalidPageId, fmt.Errorf("%w: allocating page %d: %v", ErrIO, id, err)
	}
	bf.numPages++
	return id, nil
}

// ReadPage reads pageNo's bytes into a freshly allocated Page.
func (bf *BlobFile) ReadPage(pageNo PageId) (*Page, error) {
	page := NewPage(pageNo)
	n, err := bf.file.ReadAt(page.data, int64(pageNo)*PageSize)
	if err != nil && !(err == io.EOF && n == PageSize) {
		return nil, fmt.Errorf("%w: reading page %d: %v", ErrIO, pageNo, err)
	}
	return page, nil
}

// WritePage persists page's current bytes at its own PageId.
func (bf *BlobFile) WritePage(page *Page) error {
	if _, err := bf.file.WriteAt(page.data, int64(page.id)*PageSize); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, page.id, err)
	}
	return nil
}

// DeletePage is a no-op beyond validating the page was in range: this
// layer never reclaims a deleted page's slot.
func (bf *BlobFile) DeletePage(pageNo PageId) error {
	if pageNo < 0 || pageNo >= bf.numPages {
		return fmt.Errorf("%w: page %d out of range for %s", ErrIO, pageNo, bf.name)
	}
	return nil
}

// GetFirstPageNo returns the file's header page, always page 0.
func (bf *BlobFile) GetFirstPageNo() PageId { return 0 }

// Filename returns the path this BlobFile was opened against.
func (bf *BlobFile) Filename() string { return bf.name }

// Sync flushes buffered writes to stable storage.
func (bf *BlobFile) Sync() error {
	return bf.file.Sync()
}

// Close syncs and releases the underlying file handle.
func (bf *BlobFile) Close() error {
	if bf.file == nil {
		return nil
	}
	_ = bf.file.Sync()
	err := bf.file.Close()
	bf.file = nil
	return err
}
