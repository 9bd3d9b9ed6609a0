package dataset

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestSample writes one synthetic sample directory: a gray 8x8 image and two
// nucleus masks covering the top and bottom half.
func writeTestSample(t *testing.T, root, id string) {
	t.Helper()
	imgDir := filepath.Join(root, id, "images")
	maskDir := filepath.Join(root, id, "masks")
	require.NoError(t, os.MkdirAll(imgDir, 0755))
	require.NoError(t, os.MkdirAll(maskDir, 0755))

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, color.RGBA{R: 128, G: 64, B: 32, A: 255})
		}
	}
	writePNG(t, filepath.Join(imgDir, id+".png"), img)

	top := image.NewGray(image.Rect(0, 0, 8, 8))
	bottom := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			if y < 4 {
				top.SetGray(x, y, color.Gray{Y: 255})
			} else {
				bottom.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	writePNG(t, filepath.Join(maskDir, "m0.png"), top)
	writePNG(t, filepath.Join(maskDir, "m1.png"), bottom)
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(file, img))
	require.NoError(t, file.Close())
}

func newTestDataset(t *testing.T, numSamples, width int, cache Cache) *Dataset {
	t.Helper()
	root := t.TempDir()
	for ii := range numSamples {
		writeTestSample(t, root, string(rune('a'+ii)))
	}
	ds, err := New(root, width, cache)
	require.NoError(t, err)
	require.Equal(t, numSamples, ds.Len())
	return ds
}

func TestSampleDecodeAndCache(t *testing.T) {
	cache := NewMemCache()
	ds := newTestDataset(t, 1, 4, cache)

	sample, err := ds.Sample(0)
	require.NoError(t, err)
	require.Len(t, sample.Input, 4*4*NumChannels)
	require.Len(t, sample.Label, 4*4)
	// Both masks together cover the full image.
	for _, v := range sample.Label {
		require.Equal(t, float32(1), v)
	}
	// Alpha plane is fully opaque, color planes are the constant fill.
	require.InDelta(t, 128.0/255, sample.Input[0], 1e-2)
	require.InDelta(t, 1.0, sample.Input[3], 1e-6)

	// A second read is served by the shared cache.
	_, found := cache.Get("a")
	require.True(t, found)
	again, err := ds.Sample(0)
	require.NoError(t, err)
	require.Equal(t, sample.Input, again.Input)
}

func TestSplit(t *testing.T) {
	ds := newTestDataset(t, 10, 4, NewMemCache())

	trainIdx, validIdx := ds.Split(17, 0.2)
	require.Len(t, validIdx, 2)
	require.Len(t, trainIdx, 8)

	// Disjoint, and together covering every sample.
	seen := make(map[int]bool)
	for _, idx := range append(append([]int{}, trainIdx...), validIdx...) {
		require.False(t, seen[idx])
		seen[idx] = true
	}
	require.Len(t, seen, 10)

	// Same seed, same split.
	trainIdx2, validIdx2 := ds.Split(17, 0.2)
	require.Equal(t, trainIdx, trainIdx2)
	require.Equal(t, validIdx, validIdx2)
}

func TestLoader(t *testing.T) {
	const width = 4
	ds := newTestDataset(t, 7, width, NewMemCache())
	trainIdx, _ := ds.Split(1, 0.1) // 7 samples -> 0 valid, 7 train.
	require.Len(t, trainIdx, 7)

	loader := NewLoader(ds, trainIdx, 2, 2, 3)
	require.Equal(t, 3, loader.Batches()) // Trailing partial batch dropped.

	for range 2 { // Two epochs off the same loader.
		it := loader.Start(context.Background())
		var numBatches int
		for {
			batch, ok := it.Next()
			if !ok {
				break
			}
			numBatches++
			require.Equal(t, 2, batch.Size)
			require.Equal(t, []int{2, width, width, NumChannels}, batch.Inputs.Shape().Dimensions)
			require.Equal(t, []int{2, width, width, 1}, batch.Labels.Shape().Dimensions)
		}
		require.NoError(t, it.Err())
		require.Equal(t, 3, numBatches)
	}
}

func TestLoaderCancel(t *testing.T) {
	ds := newTestDataset(t, 6, 4, NewMemCache())
	trainIdx, _ := ds.Split(1, 0.1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := NewLoader(ds, trainIdx, 2, 1, 3).Start(ctx)
	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	require.ErrorIs(t, it.Err(), context.Canceled)
}
