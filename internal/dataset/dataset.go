// Package dataset loads the nuclei segmentation samples and serves them as shuffled,
// batched tensors through parallel loading workers.
//
// On disk each sample is a directory:
//
//	<root>/<id>/images/<name>.png  -- the stained microscopy image
//	<root>/<id>/masks/<mask>.png   -- one binary mask per nucleus
//
// The masks of a sample are composited into a single binary label map. Decoded
// samples are stored in a Cache shared by all loading workers, so each sample is
// decoded at most once per process no matter which worker touches it first.
package dataset

import (
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "image/jpeg"
	_ "image/png"
)

// NumChannels of the input planes: RGB plus alpha, matching the stage1 PNGs.
const NumChannels = 4

// Sample is one decoded, resized image/label pair, as flat float32 planes.
// Input is Width*Width*NumChannels values in [0,1], Label is Width*Width values in {0,1}.
type Sample struct {
	Input []float32
	Label []float32
}

// Dataset indexes the samples under a root directory and decodes them on demand.
type Dataset struct {
	root  string
	width int
	ids   []string
	cache Cache
}

// New scans root for sample directories. The cache must be created before any loader
// workers are spawned; it is shared by all of them.
func New(root string, width int, cache Cache) (*Dataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset directory %q", root)
	}
	ds := &Dataset{root: root, width: width, cache: cache}
	for _, entry := range entries {
		if entry.IsDir() {
			ds.ids = append(ds.ids, entry.Name())
		}
	}
	if len(ds.ids) == 0 {
		return nil, errors.Errorf("no sample directories found under %q", root)
	}
	// ReadDir sorts already, but the split determinism depends on this ordering, so
	// don't rely on the filesystem.
	sort.Strings(ds.ids)
	klog.V(1).Infof("Dataset %q: %d samples", root, len(ds.ids))
	return ds, nil
}

// Len returns the number of samples indexed.
func (ds *Dataset) Len() int { return len(ds.ids) }

// Width returns the side of the square samples served.
func (ds *Dataset) Width() int { return ds.width }

// Sample decodes (or fetches from the shared cache) the sample at the given index.
func (ds *Dataset) Sample(idx int) (Sample, error) {
	id := ds.ids[idx]
	if sample, found := ds.cache.Get(id); found {
		return sample, nil
	}
	sample, err := ds.load(id)
	if err != nil {
		return Sample{}, err
	}
	ds.cache.Put(id, sample)
	return sample, nil
}

func (ds *Dataset) load(id string) (Sample, error) {
	img, err := decodeOnly(filepath.Join(ds.root, id, "images"))
	if err != nil {
		return Sample{}, errors.WithMessagef(err, "sample %q", id)
	}
	maskDir := filepath.Join(ds.root, id, "masks")
	maskFiles, err := os.ReadDir(maskDir)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "failed to read masks of sample %q", id)
	}

	sample := Sample{
		Input: rasterizeInput(img, ds.width),
		Label: make([]float32, ds.width*ds.width),
	}
	for _, maskFile := range maskFiles {
		if maskFile.IsDir() {
			continue
		}
		mask, err := decodeImage(filepath.Join(maskDir, maskFile.Name()))
		if err != nil {
			return Sample{}, errors.WithMessagef(err, "sample %q", id)
		}
		compositeMask(sample.Label, mask, ds.width)
	}
	return sample, nil
}

// decodeOnly decodes the single image file expected inside dir.
func decodeOnly(dir string) (image.Image, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image directory %q", dir)
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		return decodeImage(filepath.Join(dir, file.Name()))
	}
	return nil, errors.Errorf("no image file found under %q", dir)
}

func decodeImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = file.Close() }()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}

// rasterizeInput resizes img to width x width (nearest neighbor) and lays it out as
// NumChannels planes of float32 in [0,1], channel-last.
func rasterizeInput(img image.Image, width int) []float32 {
	bounds := img.Bounds()
	dx, dy := bounds.Dx(), bounds.Dy()
	input := make([]float32, width*width*NumChannels)
	for y := range width {
		sy := bounds.Min.Y + y*dy/width
		for x := range width {
			sx := bounds.Min.X + x*dx/width
			r, g, b, a := img.At(sx, sy).RGBA()
			base := (y*width + x) * NumChannels
			input[base+0] = float32(r) / 0xffff
			input[base+1] = float32(g) / 0xffff
			input[base+2] = float32(b) / 0xffff
			input[base+3] = float32(a) / 0xffff
		}
	}
	return input
}

// compositeMask ORs one nucleus mask into the sample's binary label map.
func compositeMask(label []float32, mask image.Image, width int) {
	bounds := mask.Bounds()
	dx, dy := bounds.Dx(), bounds.Dy()
	for y := range width {
		sy := bounds.Min.Y + y*dy/width
		for x := range width {
			sx := bounds.Min.X + x*dx/width
			r, g, b, _ := mask.At(sx, sy).RGBA()
			if r|g|b != 0 {
				label[y*width+x] = 1
			}
		}
	}
}
