package storage

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobFileCreateThenOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relation.db")

	_, err := NewBlobFile(path, false)
	require.ErrorIs(t, err, ErrFileNotFound)

	f, err := NewBlobFile(path, true)
	require.NoError(t, err)

	_, err = NewBlobFile(path, true)
	require.ErrorIs(t, err, ErrFileExists)

	pageNo, err := f.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageId(0), pageNo)

	page, err := f.ReadPage(pageNo)
	require.NoError(t, err)
	page.Data()[0] = 42
	require.NoError(t, f.WritePage(page))
	require.NoError(t, f.Close())

	reopened, err := NewBlobFile(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	reread, err := reopened.ReadPage(pageNo)
	require.NoError(t, err)
	require.Equal(t, byte(42), reread.Data()[0])
}

func TestBlobFileAllocatePageExtendsSequentially(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relation.db")
	f, err := NewBlobFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < 5; i++ {
		pageNo, err := f.AllocatePage()
		require.NoError(t, err)
		require.Equal(t, PageId(i), pageNo)
	}
}

func TestRelationFileScan(t *testing.T) {
	dir := t.TempDir()
	keys := []int32{5, 3, 9, 1}
	path, err := WriteFixedRelation(dir, 16, 4, keys)
	require.NoError(t, err)

	scan, err := NewRelationFileScan(path, 16)
	require.NoError(t, err)
	defer scan.Close()

	var got []int32
	for {
		_, record, err := scan.GetNext()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		key, err := ExtractInt32Key(record, 4)
		require.NoError(t, err)
		got = append(got, key)
	}
	require.Equal(t, keys, got)
}
