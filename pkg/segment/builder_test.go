package segment

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/errs"
	"github.com/medgift/nifti-to-seg/pkg/labels"
)

// twoOrgans returns a 10x10x5 volume with label 1 in a block spanning every
// slice and label 2 only on slice 3
func twoOrgans() *models.LabeledVolume {
	vol := models.NewLabeledVolume(models.Size3{10, 10, 5})
	for z := 0; z < 5; z++ {
		for y := 1; y < 4; y++ {
			for x := 2; x < 6; x++ {
				vol.Set(x, y, z, 1)
			}
		}
	}
	vol.Set(7, 8, 3, 2)
	vol.Set(8, 6, 3, 2)
	return vol
}

var (
	liver  = labels.Descriptor{ID: 1, Name: "liver", Color: labels.Palette(0)}
	kidney = labels.Descriptor{ID: 2, Name: "kidney", Color: labels.Palette(1)}
)

func TestBuildWithoutOptions(t *testing.T) {
	vol := twoOrgans()
	b := NewBuilder(vol.Size, Options{}, nil)

	m, err := b.Build(vol, liver)
	require.NoError(t, err)
	assert.Equal(t, FullBox(vol.Size), m.Box)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, m.Included)
	assert.Equal(t, 5*3*4, m.VoxelCount())
	assert.Equal(t, Box{X: 2, Y: 1, Width: 4, Height: 3}, m.SliceBoxes[0])
	assert.False(t, m.IsEmpty())

	for z := 0; z < 5; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				assert.Equal(t, vol.At(x, y, z) == 1, m.At(x, y, z))
			}
		}
	}
}

func TestSkipEmptyKeepsOnlyOccupiedSlices(t *testing.T) {
	vol := twoOrgans()
	b := NewBuilder(vol.Size, Options{SkipEmpty: true}, nil)

	m, err := b.Build(vol, kidney)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, m.Included)
	assert.Equal(t, []bool{true, true, true, false, true}, m.Empty)
	assert.Equal(t, 2, m.VoxelCount())
}

func TestCroppingRoundTrip(t *testing.T) {
	vol := twoOrgans()
	plain, err := NewBuilder(vol.Size, Options{}, nil).Build(vol, kidney)
	require.NoError(t, err)
	cropped, err := NewBuilder(vol.Size, Options{InplaneCropping: true}, nil).Build(vol, kidney)
	require.NoError(t, err)

	assert.Equal(t, Box{X: 7, Y: 6, Width: 2, Height: 3}, cropped.Box)
	assert.Len(t, cropped.Data, 2*3*5)
	assert.True(t, cropped.Frame(3)[2*2+0], "voxel (7,8) lands at the bottom-left of the box")

	if diff := cmp.Diff(plain, cropped.Uncrop()); diff != "" {
		t.Errorf("uncropped mask differs (-want +got):\n%s", diff)
	}
}

func TestEmptySegmentPolicies(t *testing.T) {
	vol := twoOrgans()
	ghost := labels.Descriptor{ID: 9, Name: "ghost"}

	m, err := NewBuilder(vol.Size, Options{InplaneCropping: true, SkipEmpty: true}, nil).Build(vol, ghost)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.IsEmpty())
	assert.Empty(t, m.Included)
	assert.Equal(t, FullBox(vol.Size), m.Box, "cropping is skipped for an empty segment")

	m, err = NewBuilder(vol.Size, Options{}, nil).Build(vol, ghost)
	require.NoError(t, err)
	assert.Empty(t, m.Included, "an empty segment has no frames even without skip_empty")

	m, err = NewBuilder(vol.Size, Options{EmptySegmentPolicy: config.EmptySegmentDrop}, nil).Build(vol, ghost)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewBuilder(vol.Size, Options{EmptySegmentPolicy: config.EmptySegmentFail}, nil).Build(vol, ghost)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNoSegmentsProduced))
	assert.Contains(t, err.Error(), "label 9")
}

func TestBuildProbabilityMap(t *testing.T) {
	vol := models.NewLabeledVolume(models.Size3{6, 4, 3})
	vol.Fractional = true
	vol.Set(2, 1, 1, 200)
	vol.Set(3, 2, 1, 40)

	b := NewBuilder(vol.Size, Options{InplaneCropping: true, SkipEmpty: true}, nil)
	m, err := b.Build(vol, labels.ProbabilityMap())
	require.NoError(t, err)

	assert.Equal(t, FullBox(vol.Size), m.Box, "probability maps are not cropped")
	assert.Equal(t, []int{1}, m.Included)
	assert.Equal(t, Box{X: 2, Y: 1, Width: 2, Height: 2}, m.SliceBoxes[1])
	assert.Equal(t, 2, m.VoxelCount())
	assert.Equal(t, uint8(200), m.FrameValues(1)[1*6+2])
	assert.Equal(t, uint8(40), m.FrameValues(1)[2*6+3])
	assert.True(t, m.At(3, 2, 1))

	full := m.Uncrop()
	assert.Equal(t, m.Values, full.Values)
}

func TestBuildEmptyProbabilityMap(t *testing.T) {
	vol := models.NewLabeledVolume(models.Size3{6, 4, 3})
	vol.Fractional = true

	m, err := NewBuilder(vol.Size, Options{}, nil).Build(vol, labels.ProbabilityMap())
	require.NoError(t, err)
	assert.True(t, m.IsEmpty())
	assert.Len(t, m.Values, len(m.Data))
}

func TestBuildRejectsForeignGrid(t *testing.T) {
	vol := twoOrgans()
	b := NewBuilder(models.Size3{10, 10, 6}, Options{}, nil)

	_, err := b.Build(vol, liver)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInternalConsistency))
	assert.Contains(t, err.Error(), "10x10x5")

	vol.Labels = vol.Labels[:10]
	_, err = NewBuilder(vol.Size, Options{}, nil).Build(vol, liver)
	assert.True(t, errors.Is(err, errs.ErrInternalConsistency))
}

func TestBoxUnion(t *testing.T) {
	a := Box{X: 1, Y: 1, Width: 2, Height: 2}
	b := Box{X: 4, Y: 0, Width: 1, Height: 1}
	assert.Equal(t, Box{X: 1, Y: 0, Width: 4, Height: 3}, a.Union(b))
	assert.Equal(t, a, Box{}.Union(a))
	assert.Equal(t, a, a.Union(Box{}))
	assert.True(t, Box{}.Empty())
	assert.Equal(t, "2x2+1+1", a.String())
}
