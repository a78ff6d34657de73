package geometry

import (
	"math"

	"github.com/medgift/nifti-to-seg/internal/models"
)

// axis letters for the positive and negative direction of each LPS axis
var axisLetters = [3][2]byte{
	{'L', 'R'},
	{'P', 'A'},
	{'S', 'I'},
}

// OrientationCode returns the three-letter code naming, for each index axis,
// the anatomical direction it points to (e.g. "LPS" for an axis-aligned
// DICOM volume, "RAS" for a typical NIfTI volume before conversion).
func OrientationCode(d models.Direction) string {
	code := make([]byte, 3)
	for c := 0; c < 3; c++ {
		v := d.Axis(c)
		best := 0
		for k := 1; k < 3; k++ {
			if math.Abs(v[k]) > math.Abs(v[best]) {
				best = k
			}
		}
		if v[best] >= 0 {
			code[c] = axisLetters[best][0]
		} else {
			code[c] = axisLetters[best][1]
		}
	}
	return string(code)
}

var permutations = [6][3]int{
	{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
}

// axisMapping finds, for each target axis, the source axis most aligned with
// it and whether that axis has to be flipped.
func axisMapping(src, target models.Direction) (perm [3]int, flip [3]bool) {
	bestScore := -1.0
	for _, p := range permutations {
		score := 0.0
		for a := 0; a < 3; a++ {
			score += math.Abs(src.Axis(p[a]).Dot(target.Axis(a)))
		}
		if score > bestScore {
			bestScore = score
			perm = p
		}
	}
	for a := 0; a < 3; a++ {
		flip[a] = src.Axis(perm[a]).Dot(target.Axis(a)) < 0
	}
	return perm, flip
}

// Reorient permutes and flips the index axes of vol so that they point the
// same way as the axes of target. Voxel values are moved, never interpolated,
// and every voxel keeps its physical position. The input is not modified.
func Reorient(vol *models.LabeledVolume, target models.Direction) *models.LabeledVolume {
	perm, flip := axisMapping(vol.Direction, target)

	src := vol.Grid()
	out := &models.LabeledVolume{Fractional: vol.Fractional}
	var corner [3]float64
	for a := 0; a < 3; a++ {
		s := perm[a]
		out.Size[a] = vol.Size[s]
		out.Spacing[a] = vol.Spacing[s]
		axis := vol.Direction.Axis(s)
		if flip[a] {
			axis = axis.Scale(-1)
			corner[s] = float64(vol.Size[s] - 1)
		}
		out.Direction = out.Direction.WithAxis(a, axis)
	}
	out.Origin = src.PhysicalPoint(corner[0], corner[1], corner[2])
	out.Labels = make([]uint32, len(vol.Labels))

	var n, s [3]int
	for n[2] = 0; n[2] < out.Size[2]; n[2]++ {
		for n[1] = 0; n[1] < out.Size[1]; n[1]++ {
			for n[0] = 0; n[0] < out.Size[0]; n[0]++ {
				for a := 0; a < 3; a++ {
					if flip[a] {
						s[perm[a]] = vol.Size[perm[a]] - 1 - n[a]
					} else {
						s[perm[a]] = n[a]
					}
				}
				out.Labels[out.Index(n[0], n[1], n[2])] = vol.At(s[0], s[1], s[2])
			}
		}
	}
	return out
}
