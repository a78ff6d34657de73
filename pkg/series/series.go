// Package series loads the geometry of the reference image series that a
// segmentation is registered against.
package series

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

// DefaultSpacingTolerance is the allowed slice spacing jitter in mm
const DefaultSpacingTolerance = 1e-2

// Finalize sorts the slices of ref along the slice normal and checks that
// they form one contiguous, consistent series.
func Finalize(ref *models.ReferenceGeometry, tolerance float64) error {
	normal := ref.Normal()
	sort.SliceStable(ref.Slices, func(i, j int) bool {
		return ref.Slices[i].Position.Dot(normal) < ref.Slices[j].Position.Dot(normal)
	})
	if err := ref.Validate(tolerance); err != nil {
		return errs.Wrap(errs.SeriesRead, "series", err, "invalid reference series")
	}
	return nil
}

// ManifestSource reads the reference geometry from a YAML manifest. It serves
// pipelines where the series headers were extracted beforehand.
type ManifestSource struct {
	Path      string
	Tolerance float64
	Logger    *zap.Logger
}

// Load parses and validates the manifest
func (s *ManifestSource) Load(ctx context.Context) (*models.ReferenceGeometry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errs.Wrap(errs.SeriesRead, "series", err, "reading manifest %s", s.Path)
	}

	var ref models.ReferenceGeometry
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, errs.Wrap(errs.SeriesRead, "series", err, "parsing manifest %s", s.Path)
	}

	if err := Finalize(&ref, tolerance(s.Tolerance)); err != nil {
		return nil, err
	}

	logger(s.Logger).Info("Loaded reference series manifest",
		zap.String("path", s.Path),
		zap.Int("slices", len(ref.Slices)),
		zap.String("seriesInstanceUID", ref.SeriesInstanceUID))
	return &ref, nil
}

// SaveManifest writes ref as a YAML manifest readable by ManifestSource
func SaveManifest(path string, ref *models.ReferenceGeometry) error {
	data, err := yaml.Marshal(ref)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

func tolerance(t float64) float64 {
	if t <= 0 {
		return DefaultSpacingTolerance
	}
	return t
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func sameFloats(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}
