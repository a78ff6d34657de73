// Package assembly gathers segment records into one conversion result and
// checks the invariants that hold across segments.
package assembly

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/errs"
	"github.com/medgift/nifti-to-seg/pkg/segment"
)

// SegmentAttribute describes one segment in dcmqi meta information
type SegmentAttribute struct {
	LabelID                               int         `json:"labelID"`
	SegmentDescription                    string      `json:"SegmentDescription"`
	SegmentLabel                          string      `json:"SegmentLabel"`
	SegmentAlgorithmType                  string      `json:"SegmentAlgorithmType"`
	SegmentAlgorithmName                  string      `json:"SegmentAlgorithmName"`
	SegmentedPropertyCategoryCodeSequence config.Code `json:"SegmentedPropertyCategoryCodeSequence"`
	SegmentedPropertyTypeCodeSequence     config.Code `json:"SegmentedPropertyTypeCodeSequence"`
	RecommendedDisplayRGBValue            [3]uint8    `json:"recommendedDisplayRGBValue"`
}

// MetaInfo is the dcmqi-style description of the segmentation series
type MetaInfo struct {
	ContentCreatorName                  string `json:"ContentCreatorName"`
	ClinicalTrialSeriesID               string `json:"ClinicalTrialSeriesID"`
	ClinicalTrialTimePointID            string `json:"ClinicalTrialTimePointID"`
	SeriesDescription                   string `json:"SeriesDescription"`
	SeriesNumber                        string `json:"SeriesNumber"`
	InstanceNumber                      string `json:"InstanceNumber"`
	ContentLabel                        string `json:"ContentLabel"`
	ContentDescription                  string `json:"ContentDescription"`
	ClinicalTrialCoordinatingCenterName string `json:"ClinicalTrialCoordinatingCenterName"`
	BodyPartExamined                    string `json:"BodyPartExamined"`

	// SegmentAttributes holds a single group, one entry per segment
	SegmentAttributes [][]SegmentAttribute `json:"segmentAttributes"`
}

// Result is a complete, validated conversion ready for an encoder.
// It is read-only once returned.
type Result struct {
	// Records are ordered by segment number
	Records []segment.Record

	// Reference is the geometry every mask is aligned with
	Reference *models.ReferenceGeometry

	Meta MetaInfo

	// Dropped lists label identifiers left out of every segment
	Dropped []uint32

	// Fractional marks a result built from a probability map
	Fractional bool
}

// Coordinator assembles conversion results
type Coordinator struct {
	meta   config.Metadata
	logger *zap.Logger
}

// NewCoordinator creates a coordinator writing the given series metadata
func NewCoordinator(meta config.Metadata, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{meta: meta, logger: logger}
}

// Assemble validates records against ref and builds the result
func (c *Coordinator) Assemble(records []segment.Record, ref *models.ReferenceGeometry) (*Result, error) {
	grid := ref.Size()

	for i, r := range records {
		if r.Number != i+1 {
			return nil, errs.New(errs.InternalConsistency, "assembly",
				"segment at position %d has number %d, want %d", i+1, r.Number, i+1)
		}
		if r.Mask == nil {
			return nil, errs.New(errs.InternalConsistency, "assembly", "segment %d has no mask", r.Number)
		}
		if r.Mask.Grid != grid {
			return nil, errs.New(errs.InternalConsistency, "assembly",
				"segment %d mask grid %s differs from reference grid %s", r.Number, r.Mask.Grid, grid)
		}
		if len(r.Mask.Data) != r.Mask.Box.Area()*grid[2] {
			return nil, errs.New(errs.InternalConsistency, "assembly",
				"segment %d holds %d pixels, box %s needs %d", r.Number, len(r.Mask.Data), r.Mask.Box, r.Mask.Box.Area()*grid[2])
		}
	}

	if err := checkOverlap(records, grid); err != nil {
		return nil, err
	}

	nonEmpty := 0
	for _, r := range records {
		if !r.Mask.IsEmpty() {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return nil, errs.New(errs.NoSegmentsProduced, "assembly",
			"none of %d segment(s) holds a voxel on the %s reference grid", len(records), grid)
	}

	res := &Result{
		Records:   records,
		Reference: ref,
		Meta:      c.metaInfo(records),
	}

	c.logger.Info("Assembled segmentation",
		zap.Int("segments", len(records)),
		zap.Int("nonEmpty", nonEmpty),
		zap.String("grid", grid.String()))
	for _, r := range records {
		c.logger.Debug("Segment",
			zap.Int("number", r.Number),
			zap.Uint32("label", r.Descriptor.ID),
			zap.String("name", r.Descriptor.Name),
			zap.String("voxels", humanize.Comma(int64(r.Mask.VoxelCount()))),
			zap.Ints("slices", r.Mask.Included))
	}
	return res, nil
}

// checkOverlap asserts that no voxel belongs to two segments
func checkOverlap(records []segment.Record, grid models.Size3) error {
	owner := make([]int, grid.Voxels())
	nx, ny := grid[0], grid[1]
	for _, r := range records {
		m := r.Mask
		area := m.Box.Area()
		for z := 0; z < grid[2]; z++ {
			for y := 0; y < m.Box.Height; y++ {
				for x := 0; x < m.Box.Width; x++ {
					if !m.Data[z*area+y*m.Box.Width+x] {
						continue
					}
					gx, gy := x+m.Box.X, y+m.Box.Y
					i := z*nx*ny + gy*nx + gx
					if owner[i] != 0 {
						return errs.New(errs.InternalConsistency, "assembly",
							"segments %d and %d both claim voxel (%d, %d, %d)", owner[i], r.Number, gx, gy, z)
					}
					owner[i] = r.Number
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) metaInfo(records []segment.Record) MetaInfo {
	attrs := make([]SegmentAttribute, len(records))
	for i, r := range records {
		attrs[i] = SegmentAttribute{
			LabelID:                               int(r.Descriptor.ID),
			SegmentDescription:                    r.Descriptor.Name,
			SegmentLabel:                          r.Descriptor.Name,
			SegmentAlgorithmType:                  c.meta.SegmentAlgorithmType,
			SegmentAlgorithmName:                  c.meta.SegmentAlgorithmName,
			SegmentedPropertyCategoryCodeSequence: c.meta.Category,
			SegmentedPropertyTypeCodeSequence:     c.meta.Type,
			RecommendedDisplayRGBValue:            r.Descriptor.Color,
		}
	}
	return MetaInfo{
		ContentCreatorName:                  c.meta.ContentCreatorName,
		ClinicalTrialSeriesID:               c.meta.ClinicalTrialSeriesID,
		ClinicalTrialTimePointID:            c.meta.ClinicalTrialTimePointID,
		SeriesDescription:                   c.meta.SeriesDescription,
		SeriesNumber:                        c.meta.SeriesNumber,
		InstanceNumber:                      c.meta.InstanceNumber,
		ContentLabel:                        c.meta.ContentLabel,
		ContentDescription:                  c.meta.ContentDescription,
		ClinicalTrialCoordinatingCenterName: c.meta.ClinicalTrialCoordinatingCenterName,
		BodyPartExamined:                    c.meta.BodyPartExamined,
		SegmentAttributes:                   [][]SegmentAttribute{attrs},
	}
}
