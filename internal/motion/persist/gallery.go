package persist

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/motion.capture/internal/fsutil"
)

// ListRecentImages returns the paths of at most n JPEG files in dir, most
// recently modified first. Ties are broken by name, newest name first. A
// missing directory yields an empty list.
func ListRecentImages(fsys fsutil.FileSystem, dir string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	infos, err := fsys.List(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	images := infos[:0:0]
	for _, info := range infos {
		ext := strings.ToLower(filepath.Ext(info.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			images = append(images, info)
		}
	}
	sort.SliceStable(images, func(i, j int) bool {
		ti, tj := images[i].ModTime(), images[j].ModTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return images[i].Name() > images[j].Name()
	})

	if len(images) > n {
		images = images[:n]
	}
	paths := make([]string, len(images))
	for i, info := range images {
		paths[i] = filepath.Join(dir, info.Name())
	}
	return paths, nil
}
