package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/assembly"
	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/errs"
	"github.com/medgift/nifti-to-seg/pkg/labels"
	"github.com/medgift/nifti-to-seg/pkg/segment"
)

// result assembles a 5x4x3 grid with label 1 at (1,2) and (3,2) on slice 1
func result(t *testing.T, opts segment.Options) *assembly.Result {
	t.Helper()
	ref := &models.ReferenceGeometry{
		Rows: 4, Columns: 5,
		PixelSpacing:      [2]float64{0.5, 2},
		Orientation:       [6]float64{1, 0, 0, 0, 1, 0},
		SeriesInstanceUID: "1.2.3",
	}
	for z := 0; z < 3; z++ {
		ref.Slices = append(ref.Slices, models.Slice{
			Instance: models.Instance{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SOPInstanceUID: fmt.Sprintf("1.2.3.%d", z)},
			Position: models.Vec3{10, 20, float64(z)},
		})
	}

	vol := models.NewLabeledVolume(ref.Size())
	vol.Set(1, 2, 1, 1)
	vol.Set(3, 2, 1, 1)

	desc := labels.Descriptor{ID: 1, Name: "liver", Color: labels.Palette(0)}
	m, err := segment.NewBuilder(vol.Size, opts, nil).Build(vol, desc)
	require.NoError(t, err)

	res, err := assembly.NewCoordinator(config.DefaultConfig().Metadata, nil).
		Assemble([]segment.Record{{Number: 1, Descriptor: desc, Mask: m}}, ref)
	require.NoError(t, err)
	return res
}

func fixedUIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("2.25.%d", n)
	}
}

func TestPackBits(t *testing.T) {
	pixels := []bool{true, false, false, false, false, false, false, false, false, true}
	packed := PackBits(pixels)
	assert.Equal(t, []byte{0x01, 0x02}, packed)
	assert.Equal(t, pixels, UnpackBits(packed, len(pixels)))
}

func TestNewUID(t *testing.T) {
	a, b := NewUID(), NewUID()
	assert.True(t, strings.HasPrefix(a, "2.25."))
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), 64)
}

func TestDocumentCroppedFramesArePositioned(t *testing.T) {
	res := result(t, segment.Options{InplaneCropping: true, SkipEmpty: true})
	w := &DescriptionWriter{UID: fixedUIDs()}

	doc, err := w.Document(res, Options{})
	require.NoError(t, err)
	assert.Equal(t, "2.25.1", doc.SeriesInstanceUID)
	assert.Equal(t, "2.25.2", doc.SOPInstanceUID)
	assert.Equal(t, config.SegmentationBinary, doc.SegmentationType)
	assert.Equal(t, "1.2.3", doc.ReferencedSeriesInstanceUID)

	require.Len(t, doc.Frames, 1)
	f := doc.Frames[0]
	assert.Equal(t, 1, f.SliceIndex)
	assert.Equal(t, "1.2.3.1", f.ReferencedSOPInstanceUID)
	assert.Equal(t, segment.Box{X: 1, Y: 2, Width: 3, Height: 1}, f.Box)
	// x offset 1 column of 2 mm, y offset 2 rows of 0.5 mm
	assert.Equal(t, models.Vec3{12, 21, 1}, f.ImagePositionPatient)
	assert.Equal(t, []bool{true, false, true}, UnpackBits(f.PixelData, 3))
}

func TestDocumentWithoutSkipWritesEverySlice(t *testing.T) {
	res := result(t, segment.Options{})

	doc, err := (&DescriptionWriter{}).Document(res, Options{Type: config.SegmentationFractional})
	require.NoError(t, err)
	require.Len(t, doc.Frames, 3)
	assert.Equal(t, MaxFractionalValue, doc.MaximumFractionalValue)
	assert.Len(t, doc.Frames[0].PixelData, 20)
	assert.Equal(t, make([]byte, 20), doc.Frames[0].PixelData, "empty slice is zero-filled")
	assert.Equal(t, byte(MaxFractionalValue), doc.Frames[1].PixelData[2*5+1])

	doc, err = (&DescriptionWriter{}).Document(res, Options{SkipEmptySlices: true})
	require.NoError(t, err)
	assert.Len(t, doc.Frames, 1)
}

func TestDocumentRejectsInconsistentFrames(t *testing.T) {
	res := result(t, segment.Options{})
	res.Records[0].Mask.Included = []int{0, 7}

	_, err := (&DescriptionWriter{}).Document(res, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrEncoding))
	assert.Contains(t, err.Error(), "slice 7")

	_, err = (&DescriptionWriter{}).Document(result(t, segment.Options{}), Options{Type: "LABELMAP"})
	assert.True(t, errors.Is(err, errs.ErrEncoding))
}

func TestEncodeWritesReadableFile(t *testing.T) {
	for _, name := range []string{"seg.json", "seg.json.gz"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, name)
			res := result(t, segment.Options{SkipEmpty: true})

			require.NoError(t, (&DescriptionWriter{}).Encode(context.Background(), res, Options{}, path))

			doc, err := ReadDocument(path)
			require.NoError(t, err)
			assert.Equal(t, SegmentationStorageClass, doc.SOPClassUID)
			assert.Equal(t, "liver", doc.MetaInfo.SegmentAttributes[0][0].SegmentLabel)
			require.Len(t, doc.Frames, 1)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "no temporary file is left behind")
		})
	}
}

func TestEncodeFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.json")
	res := result(t, segment.Options{})
	res.Records[0].Mask.Included = []int{9}

	err := (&DescriptionWriter{}).Encode(context.Background(), res, Options{}, path)
	assert.True(t, errors.Is(err, errs.ErrEncoding))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = (&DescriptionWriter{}).Encode(ctx, result(t, segment.Options{}), Options{}, path)
	assert.True(t, errors.Is(err, errs.ErrEncoding))
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func probabilityResult(t *testing.T) *assembly.Result {
	t.Helper()
	res := result(t, segment.Options{})
	vol := models.NewLabeledVolume(res.Reference.Size())
	vol.Fractional = true
	vol.Set(1, 2, 1, 90)
	vol.Set(3, 2, 1, 255)

	desc := labels.ProbabilityMap()
	m, err := segment.NewBuilder(vol.Size, segment.Options{SkipEmpty: true}, nil).Build(vol, desc)
	require.NoError(t, err)
	res.Records = []segment.Record{{Number: 1, Descriptor: desc, Mask: m}}
	return res
}

func TestDocumentFractionalKeepsProbabilities(t *testing.T) {
	w := &DescriptionWriter{UID: fixedUIDs()}
	doc, err := w.Document(probabilityResult(t), Options{Type: config.SegmentationFractional})
	require.NoError(t, err)

	require.Len(t, doc.Frames, 1)
	data := doc.Frames[0].PixelData
	require.Len(t, data, 20)
	assert.Equal(t, byte(90), data[2*5+1])
	assert.Equal(t, byte(255), data[2*5+3])
	assert.Equal(t, byte(0), data[0])
}

func TestDocumentRejectsBinaryProbabilityMap(t *testing.T) {
	w := &DescriptionWriter{UID: fixedUIDs()}
	_, err := w.Document(probabilityResult(t), Options{Type: config.SegmentationBinary})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrEncoding))
}
