package models

import (
	"fmt"
	"math"
)

// Instance identifies one image of the reference series
type Instance struct {
	// SOPClassUID is the storage class of the referenced image
	SOPClassUID string `yaml:"sopClassUID"`

	// SOPInstanceUID is the unique identifier of the referenced image
	SOPInstanceUID string `yaml:"sopInstanceUID"`
}

// Slice represents a single image of the reference series with the metadata
// needed to place it in patient space
type Slice struct {
	Instance `yaml:",inline"`

	// Position is ImagePositionPatient, the center of the first pixel
	Position Vec3 `yaml:"position"`

	// Filename is the file the slice was read from, if any
	Filename string `yaml:"filename,omitempty"`
}

// ReferenceGeometry is the spatial frame of the reference series.
// Slices are sorted along the slice normal.
type ReferenceGeometry struct {
	// Rows and Columns are the in-plane image dimensions
	Rows    int `yaml:"rows"`
	Columns int `yaml:"columns"`

	// PixelSpacing is the DICOM (row spacing, column spacing) pair in mm
	PixelSpacing [2]float64 `yaml:"pixelSpacing"`

	// Orientation is ImageOrientationPatient: row cosines then column cosines
	Orientation [6]float64 `yaml:"orientation"`

	// Slices holds one entry per image, in slice order
	Slices []Slice `yaml:"slices"`

	StudyInstanceUID    string `yaml:"studyInstanceUID"`
	SeriesInstanceUID   string `yaml:"seriesInstanceUID"`
	FrameOfReferenceUID string `yaml:"frameOfReferenceUID"`
}

// RowCosines is the direction in which column index grows
func (r *ReferenceGeometry) RowCosines() Vec3 {
	return Vec3{r.Orientation[0], r.Orientation[1], r.Orientation[2]}
}

// ColumnCosines is the direction in which row index grows
func (r *ReferenceGeometry) ColumnCosines() Vec3 {
	return Vec3{r.Orientation[3], r.Orientation[4], r.Orientation[5]}
}

// Normal is the slice normal of the image plane
func (r *ReferenceGeometry) Normal() Vec3 {
	return r.RowCosines().Cross(r.ColumnCosines())
}

// Size returns the voxel grid size as (columns, rows, slices)
func (r *ReferenceGeometry) Size() Size3 {
	return Size3{r.Columns, r.Rows, len(r.Slices)}
}

// SliceSpacing returns the distance between consecutive slices.
// A single-slice series reports a spacing of 1 mm.
func (r *ReferenceGeometry) SliceSpacing() float64 {
	if len(r.Slices) < 2 {
		return 1
	}
	return math.Abs(r.Slices[1].Position.Sub(r.Slices[0].Position).Dot(r.Normal()))
}

// Grid returns the voxel lattice the segmentation has to be aligned with.
// The third axis follows the slice order, so it may point against the normal.
func (r *ReferenceGeometry) Grid() Grid {
	slice := r.Normal()
	if len(r.Slices) > 1 && r.Slices[1].Position.Sub(r.Slices[0].Position).Dot(slice) < 0 {
		slice = slice.Scale(-1)
	}

	var d Direction
	d = d.WithAxis(0, r.RowCosines())
	d = d.WithAxis(1, r.ColumnCosines())
	d = d.WithAxis(2, slice)

	var origin Vec3
	if len(r.Slices) > 0 {
		origin = r.Slices[0].Position
	}

	return Grid{
		Size:      r.Size(),
		Spacing:   Vec3{r.PixelSpacing[1], r.PixelSpacing[0], r.SliceSpacing()},
		Origin:    origin,
		Direction: d,
	}
}

// Validate checks that the geometry describes a usable, contiguous series.
// tolerance is the allowed deviation of slice spacing in mm.
func (r *ReferenceGeometry) Validate(tolerance float64) error {
	if len(r.Slices) == 0 {
		return fmt.Errorf("series is empty")
	}
	if r.Rows <= 0 || r.Columns <= 0 {
		return fmt.Errorf("invalid image size %dx%d", r.Columns, r.Rows)
	}
	if r.PixelSpacing[0] <= 0 || r.PixelSpacing[1] <= 0 {
		return fmt.Errorf("invalid pixel spacing %v", r.PixelSpacing)
	}
	if n := r.Normal().Norm(); math.Abs(n-1) > 1e-3 {
		return fmt.Errorf("orientation %v is not orthonormal", r.Orientation)
	}

	seen := make(map[string]bool, len(r.Slices))
	for _, s := range r.Slices {
		if s.SOPInstanceUID == "" {
			return fmt.Errorf("slice at %v has no SOP instance UID", s.Position)
		}
		if seen[s.SOPInstanceUID] {
			return fmt.Errorf("duplicate SOP instance UID %s", s.SOPInstanceUID)
		}
		seen[s.SOPInstanceUID] = true
	}

	if len(r.Slices) < 2 {
		return nil
	}
	spacing := r.SliceSpacing()
	if spacing < tolerance {
		return fmt.Errorf("slices 0 and 1 share the same position %v", r.Slices[0].Position)
	}
	normal := r.Normal()
	for i := 1; i < len(r.Slices); i++ {
		d := r.Slices[i].Position.Sub(r.Slices[i-1].Position)
		step := math.Abs(d.Dot(normal))
		if math.Abs(step-spacing) > tolerance {
			return fmt.Errorf("series is non-contiguous: spacing between slices %d and %d is %.4f mm, expected %.4f mm",
				i-1, i, step, spacing)
		}
		// in-plane drift means the slices do not stack on one lattice
		inplane := d.Sub(normal.Scale(d.Dot(normal)))
		if inplane.Norm() > tolerance+spacing*1e-3 {
			return fmt.Errorf("slice %d is shifted in-plane by %.4f mm", i, inplane.Norm())
		}
	}
	return nil
}
