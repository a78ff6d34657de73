package geometry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

// newReference creates an axis-aligned reference series
func newReference(nx, ny, nz int, spacing models.Vec3) *models.ReferenceGeometry {
	ref := &models.ReferenceGeometry{
		Rows:         ny,
		Columns:      nx,
		PixelSpacing: [2]float64{spacing[1], spacing[0]},
		Orientation:  [6]float64{1, 0, 0, 0, 1, 0},
	}
	for z := 0; z < nz; z++ {
		ref.Slices = append(ref.Slices, models.Slice{
			Instance: models.Instance{SOPInstanceUID: fmt.Sprintf("1.2.3.%d", z+1)},
			Position: models.Vec3{0, 0, float64(z) * spacing[2]},
		})
	}
	return ref
}

// newPatternVolume creates a volume on the grid of ref with a label pattern
// that differs along every axis
func newPatternVolume(ref *models.ReferenceGeometry) *models.LabeledVolume {
	g := ref.Grid()
	vol := models.NewLabeledVolume(g.Size)
	vol.Spacing, vol.Origin, vol.Direction = g.Spacing, g.Origin, g.Direction
	for z := 0; z < g.Size[2]; z++ {
		for y := 0; y < g.Size[1]; y++ {
			for x := 0; x < g.Size[0]; x++ {
				vol.Set(x, y, z, uint32((x+2*y+3*z)%4))
			}
		}
	}
	return vol
}

func TestOrientationCode(t *testing.T) {
	assert.Equal(t, "LPS", OrientationCode(models.IdentityDirection))
	assert.Equal(t, "RAS", OrientationCode(models.Direction{-1, 0, 0, 0, -1, 0, 0, 0, 1}))
	assert.Equal(t, "LSP", OrientationCode(models.Direction{1, 0, 0, 0, 0, 1, 0, 1, 0}))
}

func TestReconcileMatchingGeometryIsNoOp(t *testing.T) {
	ref := newReference(10, 10, 5, models.Vec3{0.8, 0.8, 2.5})
	vol := newPatternVolume(ref)
	original := vol.Clone()

	var baseline *models.LabeledVolume
	for _, orient := range []bool{false, true} {
		for _, size := range []bool{false, true} {
			r := NewReconciler(ref, Options{MatchOrientation: orient, MatchSize: size, Tolerance: DefaultTolerance}, nil)
			out, err := r.Reconcile(vol)
			require.NoError(t, err)
			if baseline == nil {
				baseline = out
				continue
			}
			if diff := cmp.Diff(baseline, out); diff != "" {
				t.Errorf("orientation=%v size=%v changed the result (-want +got):\n%s", orient, size, diff)
			}
		}
	}

	assert.Equal(t, original, vol, "input volume must not be modified")
	assert.Equal(t, vol.Labels, baseline.Labels)
}

func TestReconcileFailsFastWithoutFlags(t *testing.T) {
	ref := newReference(10, 10, 5, models.Vec3{1, 1, 1})
	vol := models.NewLabeledVolume(models.Size3{10, 10, 6})

	_, err := NewReconciler(ref, Options{Tolerance: DefaultTolerance}, nil).Reconcile(vol)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrGeometryMismatch))
	assert.Contains(t, err.Error(), "10x10x6")
	assert.Contains(t, err.Error(), "10x10x5")
}

func TestReconcileOriginShift(t *testing.T) {
	ref := newReference(4, 4, 3, models.Vec3{1, 1, 2})
	vol := newPatternVolume(ref)
	vol.Origin[0] += 0.005

	out, err := NewReconciler(ref, Options{Tolerance: DefaultTolerance}, nil).Reconcile(vol)
	require.NoError(t, err)
	assert.Equal(t, ref.Grid().Origin, out.Origin)

	// a visible shift of a fifth of a voxel is a mismatch, not noise
	vol.Origin[0] += 0.2
	_, err = NewReconciler(ref, Options{Tolerance: DefaultTolerance}, nil).Reconcile(vol)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrGeometryMismatch))
	assert.Contains(t, err.Error(), "origin")
}

func TestReconcileSpacingWithinTolerance(t *testing.T) {
	ref := newReference(4, 4, 3, models.Vec3{1, 1, 2})
	vol := newPatternVolume(ref)
	vol.Spacing[2] += 1e-4

	out, err := NewReconciler(ref, Options{Tolerance: DefaultTolerance}, nil).Reconcile(vol)
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.Spacing[2])

	vol.Spacing[2] += 0.1
	_, err = NewReconciler(ref, Options{Tolerance: DefaultTolerance}, nil).Reconcile(vol)
	assert.True(t, errors.Is(err, errs.ErrGeometryMismatch))
}

func TestReconcileMatchOrientationFlipsAxes(t *testing.T) {
	ref := newReference(6, 5, 4, models.Vec3{1, 1, 2})
	want := newPatternVolume(ref)

	// same voxels stored right-to-left and anterior-to-posterior
	flipped := want.Clone()
	flipped.Direction = models.Direction{-1, 0, 0, 0, -1, 0, 0, 0, 1}
	flipped.Origin = models.Vec3{5, 4, 0}
	for z := 0; z < 4; z++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 6; x++ {
				flipped.Set(x, y, z, want.At(5-x, 4-y, z))
			}
		}
	}

	_, err := NewReconciler(ref, Options{Tolerance: DefaultTolerance}, nil).Reconcile(flipped)
	require.True(t, errors.Is(err, errs.ErrGeometryMismatch))

	out, err := NewReconciler(ref, Options{MatchOrientation: true, Tolerance: DefaultTolerance}, nil).Reconcile(flipped)
	require.NoError(t, err)
	assert.Equal(t, want.Labels, out.Labels)
}

func TestReorientKeepsPhysicalPositions(t *testing.T) {
	vol := models.NewLabeledVolume(models.Size3{3, 4, 5})
	vol.Spacing = models.Vec3{1, 2, 3}
	vol.Origin = models.Vec3{10, -5, 7}
	// axes stored as (S, L, A)
	vol.Direction = models.Direction{0, 1, 0, 0, 0, -1, 1, 0, 0}
	for i := range vol.Labels {
		vol.Labels[i] = uint32(i + 1)
	}

	out := Reorient(vol, models.IdentityDirection)
	require.Equal(t, "LPS", OrientationCode(out.Direction))
	assert.Equal(t, models.Size3{4, 5, 3}, out.Size)
	assert.Equal(t, models.Vec3{2, 3, 1}, out.Spacing)

	in := vol.Grid()
	og := out.Grid()
	for z := 0; z < out.Size[2]; z++ {
		for y := 0; y < out.Size[1]; y++ {
			for x := 0; x < out.Size[0]; x++ {
				p := og.PhysicalPoint(float64(x), float64(y), float64(z))
				found := false
				label := out.At(x, y, z)
				idx := int(label) - 1
				sz := idx / (vol.Size[0] * vol.Size[1])
				sy := (idx / vol.Size[0]) % vol.Size[1]
				sx := idx % vol.Size[0]
				q := in.PhysicalPoint(float64(sx), float64(sy), float64(sz))
				if p.Sub(q).Norm() < 1e-9 {
					found = true
				}
				assert.True(t, found, "voxel (%d,%d,%d) moved from %v to %v", x, y, z, q, p)
			}
		}
	}
}

func TestResampleNearestNeverBlends(t *testing.T) {
	// coarse volume: 5x5x5 voxels of 2 mm, reference: 10x10x10 voxels of 1 mm
	vol := models.NewLabeledVolume(models.Size3{5, 5, 5})
	vol.Spacing = models.Vec3{2, 2, 2}
	for i := range vol.Labels {
		if i%2 == 0 {
			vol.Labels[i] = 1
		} else {
			vol.Labels[i] = 7
		}
	}
	ref := newReference(10, 10, 10, models.Vec3{1, 1, 1})

	r := NewReconciler(ref, Options{MatchSize: true, Tolerance: DefaultTolerance}, nil)
	out, err := r.Reconcile(vol)
	require.NoError(t, err)
	require.Equal(t, models.Size3{10, 10, 10}, out.Size)

	for z := 0; z < 10; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				got := out.At(x, y, z)
				assert.Contains(t, []uint32{0, 1, 7}, got)
				if x%2 == 0 && y%2 == 0 && z%2 == 0 {
					assert.Equal(t, vol.At(x/2, y/2, z/2), got)
				}
			}
		}
	}
}

func TestResampleOutsideIsBackground(t *testing.T) {
	vol := models.NewLabeledVolume(models.Size3{2, 2, 2})
	for i := range vol.Labels {
		vol.Labels[i] = 3
	}
	target := models.Grid{
		Size:      models.Size3{4, 2, 2},
		Spacing:   models.Vec3{1, 1, 1},
		Direction: models.IdentityDirection,
	}

	out, err := ResampleNearest(vol, target)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), out.At(1, 0, 0))
	assert.Equal(t, uint32(0), out.At(2, 0, 0))
	assert.Equal(t, uint32(0), out.At(3, 1, 1))
}
