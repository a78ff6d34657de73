package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/medgift/nifti-to-seg/internal/models"
)

// indexToPhysical returns the 3x3 matrix D*diag(spacing) of a grid
func indexToPhysical(g models.Grid) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[r*3+c]*g.Spacing[c])
		}
	}
	return m
}

// ResampleNearest maps vol onto target using nearest-neighbor lookup.
// Labels are categorical, so no other interpolation is offered: every output
// voxel holds exactly one label value present in the input, or background
// when its center falls outside the input volume.
func ResampleNearest(vol *models.LabeledVolume, target models.Grid) (*models.LabeledVolume, error) {
	src := vol.Grid()

	var inv mat.Dense
	if err := inv.Inverse(indexToPhysical(src)); err != nil {
		return nil, fmt.Errorf("volume direction matrix is singular: %w", err)
	}

	// continuous source index = A*n + b for target index n
	var a mat.Dense
	a.Mul(&inv, indexToPhysical(target))
	shift := target.Origin.Sub(src.Origin)
	var b mat.VecDense
	b.MulVec(&inv, mat.NewVecDense(3, shift[:]))

	out := &models.LabeledVolume{
		Size:      target.Size,
		Spacing:   target.Spacing,
		Origin:    target.Origin,
		Direction: target.Direction,
		Labels:    make([]uint32, target.Size.Voxels()),

		Fractional: vol.Fractional,
	}

	var row [3][3]float64
	var off [3]float64
	for r := 0; r < 3; r++ {
		off[r] = b.AtVec(r)
		for c := 0; c < 3; c++ {
			row[r][c] = a.At(r, c)
		}
	}

	for k := 0; k < target.Size[2]; k++ {
		for j := 0; j < target.Size[1]; j++ {
			for i := 0; i < target.Size[0]; i++ {
				var idx [3]int
				inside := true
				for r := 0; r < 3; r++ {
					c := row[r][0]*float64(i) + row[r][1]*float64(j) + row[r][2]*float64(k) + off[r]
					idx[r] = int(math.Floor(c + 0.5))
					if idx[r] < 0 || idx[r] >= vol.Size[r] {
						inside = false
						break
					}
				}
				if inside {
					out.Labels[out.Index(i, j, k)] = vol.At(idx[0], idx[1], idx[2])
				}
			}
		}
	}
	return out, nil
}
