package series

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

func axialSeries(n int, spacing float64) *models.ReferenceGeometry {
	ref := &models.ReferenceGeometry{
		Rows:              8,
		Columns:           10,
		PixelSpacing:      [2]float64{0.7, 0.7},
		Orientation:       [6]float64{1, 0, 0, 0, 1, 0},
		SeriesInstanceUID: "1.2.840.1",
	}
	for i := 0; i < n; i++ {
		ref.Slices = append(ref.Slices, models.Slice{
			Instance: models.Instance{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SOPInstanceUID: fmt.Sprintf("1.2.840.1.%d", i)},
			Position: models.Vec3{-100, -120, float64(i) * spacing},
		})
	}
	return ref
}

func TestManifestRoundTripSortsSlices(t *testing.T) {
	ref := axialSeries(4, 2.5)
	// store in reverse order
	for i, j := 0, len(ref.Slices)-1; i < j; i, j = i+1, j-1 {
		ref.Slices[i], ref.Slices[j] = ref.Slices[j], ref.Slices[i]
	}
	path := filepath.Join(t.TempDir(), "series.yaml")
	require.NoError(t, SaveManifest(path, ref))

	got, err := (&ManifestSource{Path: path}).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Slices, 4)
	assert.Equal(t, "1.2.840.1.0", got.Slices[0].SOPInstanceUID)
	assert.Equal(t, 0.0, got.Slices[0].Position[2])
	assert.Equal(t, models.Size3{10, 8, 4}, got.Size())
	assert.InDelta(t, 2.5, got.SliceSpacing(), 1e-9)
}

func TestFinalizeRejectsNonContiguousSeries(t *testing.T) {
	ref := axialSeries(4, 2)
	ref.Slices[3].Position[2] = 9

	err := Finalize(ref, DefaultSpacingTolerance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSeriesRead))
	assert.Contains(t, err.Error(), "non-contiguous")
}

func TestFinalizeRejectsEmptySeries(t *testing.T) {
	ref := axialSeries(0, 1)

	err := Finalize(ref, DefaultSpacingTolerance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSeriesRead))
	assert.Contains(t, err.Error(), "empty")
}

func TestFinalizeRejectsDuplicateInstances(t *testing.T) {
	ref := axialSeries(3, 1)
	ref.Slices[2].SOPInstanceUID = ref.Slices[0].SOPInstanceUID

	err := Finalize(ref, DefaultSpacingTolerance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestManifestMissingFile(t *testing.T) {
	_, err := (&ManifestSource{Path: filepath.Join(t.TempDir(), "none.yaml")}).Load(context.Background())
	assert.True(t, errors.Is(err, errs.ErrSeriesRead))
}

func TestDirectorySourceWithoutDicomFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0644))

	_, err := (&DirectorySource{Dir: dir}).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSeriesRead))
	assert.Contains(t, err.Error(), "series is empty")
}

func TestAssembleRejectsMixedGeometry(t *testing.T) {
	h := imageHeader{
		path: "a.dcm", sopInstance: "1", series: "9", rows: 4, columns: 4,
		pixelSpacing: []float64{1, 1}, orientation: []float64{1, 0, 0, 0, 1, 0}, position: []float64{0, 0, 0},
	}
	other := h
	other.path, other.sopInstance, other.rows = "b.dcm", "2", 5

	_, err := assemble([]imageHeader{h, other}, DefaultSpacingTolerance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.dcm")

	other.rows = 4
	other.position = []float64{0, 0, 1}
	ref, err := assemble([]imageHeader{h, other}, DefaultSpacingTolerance)
	require.NoError(t, err)
	require.NoError(t, Finalize(ref, DefaultSpacingTolerance))
	assert.Equal(t, models.Size3{4, 4, 2}, ref.Size())
}

func TestSelectSeries(t *testing.T) {
	s := &DirectorySource{Dir: "in"}
	headers := []imageHeader{{series: "1.1"}, {series: "1.2"}, {series: "1.1"}}

	_, err := s.selectSeries(headers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1.1, 1.2")

	s.SeriesInstanceUID = "1.1"
	selected, err := s.selectSeries(headers)
	require.NoError(t, err)
	assert.Len(t, selected, 2)
}
