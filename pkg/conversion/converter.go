// Package conversion drives one labeled-volume to segmentation conversion:
// resolve the labels of the volume, reconcile it with the reference series, build
// one mask per label, assemble the result and hand it to an encoder.
package conversion

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/assembly"
	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/encoder"
	"github.com/medgift/nifti-to-seg/pkg/errs"
	"github.com/medgift/nifti-to-seg/pkg/geometry"
	"github.com/medgift/nifti-to-seg/pkg/labels"
	"github.com/medgift/nifti-to-seg/pkg/segment"
	"github.com/medgift/nifti-to-seg/pkg/visualization"
)

// VolumeSource yields the labeled volume to convert
type VolumeSource interface {
	Load(ctx context.Context) (*models.LabeledVolume, error)
}

// SeriesSource yields the geometry of the reference image series
type SeriesSource interface {
	Load(ctx context.Context) (*models.ReferenceGeometry, error)
}

// Params holds the conversion parameters.
// These parameters control alignment, mask construction and output.
type Params struct {
	// OutputFile is where the encoder writes the segmentation
	OutputFile string

	// MatchOrientation reorients the volume to the reference orientation
	MatchOrientation bool

	// MatchSize resamples the volume onto the reference grid, nearest
	// neighbor only
	MatchSize bool

	// SkipEmpty leaves slices without voxels out of each segment's frames
	SkipEmpty bool

	// InplaneCropping restricts each segment to its in-plane bounding box
	InplaneCropping bool

	// SkipMissingSegment drops labels absent from the label map
	SkipMissingSegment bool

	// EmptySegmentPolicy is config.EmptySegmentRetain, Drop or Fail
	EmptySegmentPolicy string

	// SegmentationType is config.SegmentationBinary or Fractional
	SegmentationType string

	// Tolerance decides when two grids already match
	Tolerance geometry.Tolerance

	// NumWorkers bounds how many segments are built concurrently
	NumWorkers int

	// Metadata is written into the segmentation series
	Metadata config.Metadata

	// PreviewDir receives PNG overlays of every slice when set
	PreviewDir string

	// PreviewScale is the integer upscaling of preview images
	PreviewScale int
}

// ParamsFromConfig maps a loaded configuration onto conversion parameters
func ParamsFromConfig(cfg *config.Config, outputFile string) *Params {
	return &Params{
		OutputFile:         outputFile,
		MatchOrientation:   cfg.Conversion.MatchOrientation,
		MatchSize:          cfg.Conversion.MatchSize,
		SkipEmpty:          cfg.Conversion.SkipEmpty,
		InplaneCropping:    cfg.Conversion.InplaneCropping,
		SkipMissingSegment: cfg.Conversion.SkipMissingSegment,
		EmptySegmentPolicy: cfg.Conversion.EmptySegmentPolicy,
		SegmentationType:   cfg.Conversion.SegmentationType,
		Tolerance: geometry.Tolerance{
			Spacing:   cfg.Tolerance.Spacing,
			Direction: cfg.Tolerance.Direction,
			Origin:    cfg.Tolerance.Origin,
		},
		NumWorkers:   cfg.Processing.NumWorkers,
		Metadata:     cfg.Metadata,
		PreviewDir:   cfg.Output.PreviewDir,
		PreviewScale: cfg.Output.PreviewScale,
	}
}

// Deps are the collaborators of a conversion
type Deps struct {
	Volume VolumeSource
	Series SeriesSource

	// LabelMap names the labels. When nil, Namer is asked instead.
	LabelMap labels.LabelMap

	// Namer names labels when no label map is given, DerivedNamer when nil
	Namer labels.Namer

	// Encoder writes the result, a DescriptionWriter when nil
	Encoder encoder.Encoder

	Logger *zap.Logger
}

// Converter runs the conversion pipeline:
// 1. Loading the reference series and the labeled volume
// 2. Resolving label names and colors
// 3. Reconciling the volume with the reference grid
// 4. Building one mask per label, possibly in parallel
// 5. Assembling and checking the segment collection
// 6. Encoding the result
type Converter struct {
	params *Params
	deps   Deps
	logger *zap.Logger
}

// NewConverter creates a converter with the given parameters and collaborators
func NewConverter(params *Params, deps Deps) *Converter {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Encoder == nil {
		deps.Encoder = &encoder.DescriptionWriter{Logger: logger}
	}
	return &Converter{params: params, deps: deps, logger: logger}
}

// Process runs the complete pipeline and writes the output. Nothing is
// written when any step fails.
func (c *Converter) Process(ctx context.Context) error {
	res, err := c.Run(ctx)
	if err != nil {
		return err
	}

	// Step 6: Encode
	c.logger.Info("Step 6: Encoding segmentation", zap.String("output", c.params.OutputFile))
	opts := encoder.Options{Type: c.params.SegmentationType, SkipEmptySlices: c.params.SkipEmpty}
	if res.Fractional && opts.Type != config.SegmentationFractional {
		c.logger.Info("Writing probability map as a fractional segmentation",
			zap.String("configured", opts.Type))
		opts.Type = config.SegmentationFractional
	}
	if err := c.deps.Encoder.Encode(ctx, res, opts, c.params.OutputFile); err != nil {
		return err
	}

	if c.params.PreviewDir != "" {
		scale := c.params.PreviewScale
		if scale < 1 {
			scale = 1
		}
		n, err := visualization.NewViewer(res).SaveSliceSequence(c.params.PreviewDir, scale)
		if err != nil {
			// previews never fail a conversion
			c.logger.Warn("Failed to save previews", zap.String("dir", c.params.PreviewDir), zap.Error(err))
		} else {
			c.logger.Info("Saved previews", zap.String("dir", c.params.PreviewDir), zap.Int("images", n))
		}
	}
	return nil
}

// Run executes every step up to and including assembly and returns the
// result without encoding it
func (c *Converter) Run(ctx context.Context) (*assembly.Result, error) {
	// Step 1: Load inputs
	c.logger.Info("Step 1: Loading reference series and labeled volume")
	ref, err := c.deps.Series.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vol, err := c.deps.Volume.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := vol.Validate(); err != nil {
		return nil, errs.Wrap(errs.VolumeRead, "conversion", err, "malformed labeled volume")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 2: Resolve labels on the volume as loaded, so that a label lost
	// during reconciliation still reaches the empty segment policy
	extraction, err := c.resolveLabels(vol)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: Reconcile geometry
	c.logger.Info("Step 3: Reconciling geometry",
		zap.String("reference", ref.Size().String()),
		zap.String("volume", vol.Size.String()))
	rec := geometry.NewReconciler(ref, geometry.Options{
		MatchOrientation: c.params.MatchOrientation,
		MatchSize:        c.params.MatchSize,
		Tolerance:        c.params.Tolerance,
	}, c.logger)
	vol, err = rec.Reconcile(vol)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: Build masks
	c.logger.Info("Step 4: Building segment masks",
		zap.Int("labels", len(extraction.Descriptors)),
		zap.String("voxels", humanize.Comma(int64(vol.Size.Voxels()))))
	masks, err := c.buildMasks(ctx, vol, extraction.Descriptors)
	if err != nil {
		return nil, err
	}

	// numbers follow ascending label order, skipping dropped segments
	dropped := append([]uint32(nil), extraction.Dropped...)
	var records []segment.Record
	for i, m := range masks {
		desc := extraction.Descriptors[i]
		if m == nil {
			dropped = append(dropped, desc.ID)
			continue
		}
		records = append(records, segment.Record{Number: len(records) + 1, Descriptor: desc, Mask: m})
	}

	// Step 5: Assemble
	c.logger.Info("Step 5: Assembling segmentation", zap.Int("segments", len(records)))
	res, err := assembly.NewCoordinator(c.params.Metadata, c.logger).Assemble(records, ref)
	if err != nil {
		return nil, err
	}
	res.Dropped = dropped
	res.Fractional = vol.Fractional
	return res, nil
}

// resolveLabels names the labels of vol. A probability map always yields
// the single probability map segment.
func (c *Converter) resolveLabels(vol *models.LabeledVolume) (*labels.Extraction, error) {
	if vol.Fractional {
		c.logger.Info("Step 2: Labeled volume is a probability map, building a single fractional segment")
		if c.deps.LabelMap != nil {
			c.logger.Warn("Ignoring label map for a probability map")
		}
		return &labels.Extraction{Descriptors: []labels.Descriptor{labels.ProbabilityMap()}}, nil
	}

	c.logger.Info("Step 2: Resolving labels")
	ex := &labels.Extractor{SkipMissing: c.params.SkipMissingSegment, Logger: c.logger}
	if c.deps.LabelMap != nil {
		return ex.FromLabelMap(vol, c.deps.LabelMap)
	}
	namer := c.deps.Namer
	if namer == nil {
		namer = labels.DerivedNamer{}
	}
	return ex.FromNamer(vol, namer)
}

// buildMasks builds the mask of every descriptor, keeping their order
func (c *Converter) buildMasks(ctx context.Context, vol *models.LabeledVolume, descs []labels.Descriptor) ([]*segment.Mask, error) {
	b := segment.NewBuilder(vol.Size, segment.Options{
		InplaneCropping:    c.params.InplaneCropping,
		SkipEmpty:          c.params.SkipEmpty,
		EmptySegmentPolicy: c.params.EmptySegmentPolicy,
	}, c.logger)

	workers := c.params.NumWorkers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	masks := make([]*segment.Mask, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, desc := range descs {
		i, desc := i, desc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m, err := b.Build(vol, desc)
			if err != nil {
				return fmt.Errorf("building segment for label %d: %w", desc.ID, err)
			}
			masks[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return masks, nil
}
