package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/internal/fs"
	"github.com/hupe1980/vistore/model"
)

// DefaultManifestName is the file Manifest looks for inside a
// reconstruction directory.
const DefaultManifestName = "manifest.yaml"

// ErrInvalidManifest is returned for manifests that parse but are unusable.
var ErrInvalidManifest = errors.New("reconstruction: invalid manifest")

// ManifestFile is the YAML document.
type ManifestFile struct {
	Images []ManifestImage `yaml:"images"`
}

// ManifestImage is one entry of a manifest.
type ManifestImage struct {
	Path       string             `yaml:"path"`
	Intrinsics ManifestIntrinsics `yaml:"intrinsics"`
	Pose       ManifestPose       `yaml:"pose"`
}

// ManifestIntrinsics mirrors model.Intrinsics. Distortion may list fewer
// than eight coefficients; the rest are zero.
type ManifestIntrinsics struct {
	Width      int       `yaml:"width"`
	Height     int       `yaml:"height"`
	Fx         float64   `yaml:"fx"`
	Fy         float64   `yaml:"fy"`
	Cx         float64   `yaml:"cx"`
	Cy         float64   `yaml:"cy"`
	Distortion []float64 `yaml:"distortion,omitempty"`
}

// ManifestPose mirrors model.Pose.
type ManifestPose struct {
	Rotation    [3]float64 `yaml:"rotation"`
	Translation [3]float64 `yaml:"translation"`
}

var _ ingest.ReconstructionSource = (*Manifest)(nil)

// Manifest reads reconstructions from YAML manifests. The reconstruction
// path is either a manifest file (.yaml or .yml) or a directory holding
// one named Name.
type Manifest struct {
	Name       string
	FileSystem fs.FileSystem
}

// NewManifest returns a Manifest reading DefaultManifestName from the
// local file system.
func NewManifest() *Manifest {
	return &Manifest{Name: DefaultManifestName, FileSystem: fs.Default}
}

// ListImages implements ingest.ReconstructionSource.
func (m *Manifest) ListImages(ctx context.Context, reconstructionPath string) ([]ingest.ImageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fsys := m.FileSystem
	if fsys == nil {
		fsys = fs.Default
	}

	path := reconstructionPath
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		name := m.Name
		if name == "" {
			name = DefaultManifestName
		}
		path = filepath.Join(path, name)
	}

	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("reconstruction: open manifest: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reconstruction: read manifest: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// ParseManifest decodes a manifest and resolves relative image paths
// against baseDir.
func ParseManifest(data []byte, baseDir string) ([]ingest.ImageRef, error) {
	var doc ManifestFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	refs := make([]ingest.ImageRef, 0, len(doc.Images))
	for i, img := range doc.Images {
		if img.Path == "" {
			return nil, fmt.Errorf("%w: image %d has no path", ErrInvalidManifest, i)
		}
		if len(img.Intrinsics.Distortion) > 8 {
			return nil, fmt.Errorf("%w: image %d has %d distortion coefficients, at most 8", ErrInvalidManifest, i, len(img.Intrinsics.Distortion))
		}

		p := img.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		in := model.Intrinsics{
			Width:  img.Intrinsics.Width,
			Height: img.Intrinsics.Height,
			Fx:     img.Intrinsics.Fx,
			Fy:     img.Intrinsics.Fy,
			Cx:     img.Intrinsics.Cx,
			Cy:     img.Intrinsics.Cy,
		}
		copy(in.Distortion[:], img.Intrinsics.Distortion)

		refs = append(refs, ingest.ImageRef{
			Path:       p,
			Intrinsics: in,
			Pose:       model.Pose{Rotation: img.Pose.Rotation, Translation: img.Pose.Translation},
		})
	}
	return refs, nil
}

// WriteManifest encodes refs as a manifest. Paths are written relative to
// baseDir when they lie below it.
func WriteManifest(w io.Writer, refs []ingest.ImageRef, baseDir string) error {
	doc := ManifestFile{Images: make([]ManifestImage, len(refs))}
	for i, r := range refs {
		p := r.Path
		if rel, err := filepath.Rel(baseDir, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = filepath.ToSlash(rel)
		}
		doc.Images[i] = ManifestImage{
			Path: p,
			Intrinsics: ManifestIntrinsics{
				Width:      r.Intrinsics.Width,
				Height:     r.Intrinsics.Height,
				Fx:         r.Intrinsics.Fx,
				Fy:         r.Intrinsics.Fy,
				Cx:         r.Intrinsics.Cx,
				Cy:         r.Intrinsics.Cy,
				Distortion: r.Intrinsics.Distortion[:],
			},
			Pose: ManifestPose{Rotation: r.Pose.Rotation, Translation: r.Pose.Translation},
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
