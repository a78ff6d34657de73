// Package geometry aligns a labeled volume with the voxel grid of the
// reference series.
package geometry

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

// Tolerance bounds the differences under which two grids are the same
type Tolerance struct {
	// Spacing is the allowed absolute spacing difference per axis in mm
	Spacing float64
	// Direction is the allowed absolute difference per direction cosine
	Direction float64
	// Origin is the allowed origin difference per axis, in voxels
	Origin float64
}

// DefaultTolerance only absorbs rounding noise from header encodings
var DefaultTolerance = Tolerance{Spacing: 1e-3, Direction: 1e-4, Origin: 0.01}

// Options selects which alignment steps are allowed
type Options struct {
	MatchOrientation bool
	MatchSize        bool
	Tolerance        Tolerance
}

// Reconciler aligns labeled volumes with one reference geometry
type Reconciler struct {
	target models.Grid
	opts   Options
	logger *zap.Logger
}

// NewReconciler creates a reconciler for the grid of ref
func NewReconciler(ref *models.ReferenceGeometry, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{target: ref.Grid(), opts: opts, logger: logger}
}

// Target returns the grid volumes are aligned to
func (r *Reconciler) Target() models.Grid {
	return r.target
}

// Reconcile returns a copy of vol whose grid matches the reference grid.
// The input volume is never modified. Without MatchOrientation or MatchSize
// the grids must already match, otherwise a GeometryMismatch is returned.
func (r *Reconciler) Reconcile(vol *models.LabeledVolume) (*models.LabeledVolume, error) {
	if err := vol.Validate(); err != nil {
		return nil, errs.Wrap(errs.VolumeRead, "reconcile", err, "malformed labeled volume")
	}

	out := vol.Clone()

	if r.opts.MatchOrientation {
		want := OrientationCode(r.target.Direction)
		have := OrientationCode(out.Direction)
		r.logger.Debug("Comparing orientation",
			zap.String("reference", want), zap.String("volume", have))
		if want != have {
			r.logger.Info("Reorienting labeled volume",
				zap.String("from", have), zap.String("to", want))
			out = Reorient(out, r.target.Direction)
		}
	}

	if r.opts.MatchSize {
		if reason := Mismatch(out.Grid(), r.target, r.opts.Tolerance); reason != "" {
			r.logger.Info("Resampling labeled volume onto reference grid",
				zap.Stringer("from", out.Size), zap.Stringer("to", r.target.Size),
				zap.String("reason", reason))
			resampled, err := ResampleNearest(out, r.target)
			if err != nil {
				return nil, errs.Wrap(errs.GeometryMismatch, "reconcile", err, "cannot resample")
			}
			out = resampled
		}
	}

	if reason := Mismatch(out.Grid(), r.target, r.opts.Tolerance); reason != "" {
		hint := "enable orientation and size matching to align it"
		if r.opts.MatchSize {
			hint = "alignment did not converge"
		}
		return nil, errs.New(errs.GeometryMismatch, "reconcile",
			"labeled volume does not match the reference series: %s (%s)", reason, hint)
	}

	// snap onto the exact reference frame so later stages see one geometry
	out.Spacing = r.target.Spacing
	out.Origin = r.target.Origin
	out.Direction = r.target.Direction
	return out, nil
}

// Mismatch describes the first aspect in which got differs from want beyond
// tol, or returns "" when the grids match.
func Mismatch(got, want models.Grid, tol Tolerance) string {
	if got.Size != want.Size {
		return fmt.Sprintf("size %s differs from reference size %s", got.Size, want.Size)
	}
	for c := 0; c < 3; c++ {
		if !scalar.EqualWithinAbs(got.Spacing[c], want.Spacing[c], tol.Spacing) {
			return fmt.Sprintf("spacing %.4f on axis %d differs from reference spacing %.4f",
				got.Spacing[c], c, want.Spacing[c])
		}
	}
	for i := range got.Direction {
		if !scalar.EqualWithinAbs(got.Direction[i], want.Direction[i], tol.Direction) {
			return fmt.Sprintf("orientation %s %v differs from reference orientation %s %v",
				OrientationCode(got.Direction), got.Direction, OrientationCode(want.Direction), want.Direction)
		}
	}
	delta := got.Origin.Sub(want.Origin)
	for c := 0; c < 3; c++ {
		shift := math.Abs(delta.Dot(want.Direction.Axis(c)))
		if shift > tol.Origin*want.Spacing[c] {
			return fmt.Sprintf("origin %v is %.3f mm away from reference origin %v along axis %d",
				got.Origin, shift, want.Origin, c)
		}
	}
	return ""
}
