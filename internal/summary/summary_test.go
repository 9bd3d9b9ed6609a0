package summary

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunDir(t *testing.T) {
	got := RunDir("logs", "unet", 256, 0, 30, 0.0001)
	want := filepath.Join("logs", "unet", "256", "ep_0,30-lr_0.0001")
	require.Equal(t, want, got)

	// Resumed runs shift the epoch range.
	got = RunDir("logs", "unet", 128, 30, 60, 0.001)
	want = filepath.Join("logs", "unet", "128", "ep_30,60-lr_0.001")
	require.Equal(t, want, got)
}

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.Equal(t, dir, w.Dir())

	w.AddScalar("training/loss", 0, 0.5)
	w.AddScalar("training/loss", 1, 0.25)
	w.AddScalar("CV/epoch_iou", 100, 0.75)
	require.NoError(t, w.Close())

	file, err := os.Open(filepath.Join(dir, ScalarsFileName))
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	var records []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 3)
	require.Equal(t, "training/loss", records[0].Tag)
	require.Equal(t, 1, records[1].Step)
	require.Equal(t, float32(0.25), records[1].Value)
	require.Equal(t, "CV/epoch_iou", records[2].Tag)
	require.Equal(t, 100, records[2].Step)

	// Closing twice is harmless.
	require.NoError(t, w.Close())
}
