package retrieval

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vistore/internal/fs"
	"github.com/hupe1980/vistore/model"
)

// SignatureStore is the read side a store gallery needs.
type SignatureStore interface {
	StreamSignatures(ctx context.Context, visit func(id int64, sig model.Signature) bool) error
	GetMeta(ctx context.Context, id int64) (model.Meta, error)
	ListIDs(ctx context.Context) (*roaring64.Bitmap, error)
}

// Gallery is the candidate set of a retrieval. Use StoreGallery,
// ListGallery or DirGallery.
type Gallery interface {
	gallery()
}

type storeGallery struct {
	store SignatureStore
}

func (storeGallery) gallery() {}

// StoreGallery scores the persisted signatures of store in one streaming
// pass. Rows without a signature are not candidates, and neither are
// signatures without a metadata row.
func StoreGallery(store SignatureStore) Gallery {
	return storeGallery{store: store}
}

type fileGallery struct {
	paths []string
	root  string
	fsys  fs.FileSystem
}

func (fileGallery) gallery() {}

// ListGallery scores the given image files, in order.
func ListGallery(paths []string) Gallery {
	return fileGallery{paths: paths}
}

// DirGallery scores every .jpg, .jpeg and .png file below root, walking
// directories in lexical order. fsys may be nil for the local file system.
func DirGallery(root string, fsys fs.FileSystem) Gallery {
	if fsys == nil {
		fsys = fs.Default
	}
	return fileGallery{root: root, fsys: fsys}
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// enumerate lists the candidates, stopping after limit when limit > 0.
func (g fileGallery) enumerate(limit int) ([]string, error) {
	if g.fsys == nil {
		paths := g.paths
		if limit > 0 && len(paths) > limit {
			paths = paths[:limit]
		}
		return paths, nil
	}

	var paths []string
	err := fs.Walk(g.fsys, g.root, func(p string) bool {
		if imageExts[strings.ToLower(filepath.Ext(p))] {
			paths = append(paths, p)
		}
		return limit <= 0 || len(paths) < limit
	})
	return paths, err
}
