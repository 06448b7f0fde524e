package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_ReadFile(t *testing.T) {
	data, err := OSFileSystem{}.ReadFile("filesystem.go")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestOSFileSystem_WriteListStat(t *testing.T) {
	osfs := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "captures", "cam1")

	require.NoError(t, osfs.MkdirAll(dir, 0755))
	require.NoError(t, osfs.WriteFile(filepath.Join(dir, "b.jpg"), []byte("b"), 0644))
	require.NoError(t, osfs.WriteFile(filepath.Join(dir, "a.jpg"), []byte("aa"), 0644))
	require.NoError(t, osfs.MkdirAll(filepath.Join(dir, "nested"), 0755))

	infos, err := osfs.List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2, "directories must not be listed")
	assert.Equal(t, "a.jpg", infos[0].Name())
	assert.Equal(t, "b.jpg", infos[1].Name())

	info, err := osfs.Stat(filepath.Join(dir, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size())
}

func TestOSFileSystem_ListMissingDir(t *testing.T) {
	_, err := OSFileSystem{}.List(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_WriteRequiresParent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	err := mfs.WriteFile("data/captured_images/x.jpg", []byte("x"), 0644)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, mfs.MkdirAll("data/captured_images", 0755))
	require.NoError(t, mfs.WriteFile("data/captured_images/x.jpg", []byte("x"), 0644))

	data, err := mfs.ReadFile("data/captured_images/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestMemoryFileSystem_ModTimes(t *testing.T) {
	mfs := NewMemoryFileSystem()
	stamp := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	mfs.SetTimeSource(func() time.Time { return stamp })

	require.NoError(t, mfs.MkdirAll("out", 0755))
	require.NoError(t, mfs.WriteFile("out/a.jpg", []byte("a"), 0644))

	info, err := mfs.Stat("out/a.jpg")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(stamp))

	later := stamp.Add(time.Minute)
	require.NoError(t, mfs.Chtimes("out/a.jpg", later))
	info, err = mfs.Stat("out/a.jpg")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(later))

	assert.Error(t, mfs.Chtimes("out/missing.jpg", later))
}

func TestMemoryFileSystem_ListOnlyDirectChildren(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("root/sub", 0755))
	require.NoError(t, mfs.WriteFile("root/z.jpg", nil, 0644))
	require.NoError(t, mfs.WriteFile("root/a.jpg", nil, 0644))
	require.NoError(t, mfs.WriteFile("root/sub/deep.jpg", nil, 0644))

	infos, err := mfs.List("root")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.jpg", infos[0].Name())
	assert.Equal(t, "z.jpg", infos[1].Name())

	_, err = mfs.List("nowhere")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_FailWrites(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("out", 0755))

	mfs.FailWrites(syscall.ENOSPC)
	err := mfs.WriteFile("out/a.jpg", []byte("a"), 0644)
	assert.True(t, errors.Is(err, syscall.ENOSPC))
	assert.Empty(t, mfs.Paths())

	mfs.FailWrites(nil)
	require.NoError(t, mfs.WriteFile("out/a.jpg", []byte("a"), 0644))
	assert.Equal(t, []string{filepath.Clean("out/a.jpg")}, mfs.Paths())
}

func TestMemoryFileSystem_DataIsolation(t *testing.T) {
	mfs := NewMemoryFileSystem()
	original := []byte("frame")
	require.NoError(t, mfs.WriteFile("/f.jpg", original, 0644))

	original[0] = 'X'
	data, err := mfs.ReadFile("/f.jpg")
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))

	data[0] = 'Y'
	again, _ := mfs.ReadFile("/f.jpg")
	assert.Equal(t, "frame", string(again))
}

func TestMemoryFileSystem_StatDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/a/b", os.ModePerm))

	info, err := mfs.Stat("/a")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "a", info.Name())

	_, err = mfs.Stat("/nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
