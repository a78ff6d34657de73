package series

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.uber.org/zap"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

// DirectorySource reads the reference geometry from the DICOM headers of
// every file below Dir. Pixel data is never loaded. Files that are not DICOM
// are skipped.
type DirectorySource struct {
	Dir string

	// SeriesInstanceUID selects one series when Dir holds several
	SeriesInstanceUID string

	Tolerance float64
	Logger    *zap.Logger
}

// imageHeader is the subset of a DICOM image header the geometry needs
type imageHeader struct {
	path          string
	sopClass      string
	sopInstance   string
	series        string
	study         string
	frameOfRef    string
	rows, columns int
	pixelSpacing  []float64
	orientation   []float64
	position      []float64
}

// Load walks the directory and assembles one reference geometry
func (s *DirectorySource) Load(ctx context.Context) (*models.ReferenceGeometry, error) {
	log := logger(s.Logger)

	var headers []imageHeader
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := readHeader(path)
		if err != nil {
			log.Debug("Skipping file", zap.String("path", path), zap.Error(err))
			return nil
		}
		headers = append(headers, h)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.SeriesRead, "series", err, "scanning %s", s.Dir)
	}

	headers, err = s.selectSeries(headers)
	if err != nil {
		return nil, err
	}

	ref, err := assemble(headers, tolerance(s.Tolerance))
	if err != nil {
		return nil, err
	}
	if err := Finalize(ref, tolerance(s.Tolerance)); err != nil {
		return nil, err
	}

	log.Info("Loaded reference series",
		zap.String("dir", s.Dir),
		zap.Int("slices", len(ref.Slices)),
		zap.String("seriesInstanceUID", ref.SeriesInstanceUID))
	return ref, nil
}

func (s *DirectorySource) selectSeries(headers []imageHeader) ([]imageHeader, error) {
	if len(headers) == 0 {
		return nil, errs.New(errs.SeriesRead, "series", "series is empty: no DICOM image found in %s", s.Dir)
	}

	bySeries := make(map[string][]imageHeader)
	for _, h := range headers {
		bySeries[h.series] = append(bySeries[h.series], h)
	}

	if s.SeriesInstanceUID != "" {
		selected, ok := bySeries[s.SeriesInstanceUID]
		if !ok {
			return nil, errs.New(errs.SeriesRead, "series", "series %s not found in %s", s.SeriesInstanceUID, s.Dir)
		}
		return selected, nil
	}

	if len(bySeries) > 1 {
		uids := make([]string, 0, len(bySeries))
		for uid := range bySeries {
			uids = append(uids, uid)
		}
		sort.Strings(uids)
		return nil, errs.New(errs.SeriesRead, "series",
			"%s holds %d series (%s), select one by SeriesInstanceUID", s.Dir, len(uids), strings.Join(uids, ", "))
	}
	return headers, nil
}

// assemble checks that all images share one plane geometry
func assemble(headers []imageHeader, tol float64) (*models.ReferenceGeometry, error) {
	first := headers[0]
	if len(first.pixelSpacing) != 2 || len(first.orientation) != 6 {
		return nil, errs.New(errs.SeriesRead, "series", "%s lacks pixel spacing or image orientation", first.path)
	}

	ref := &models.ReferenceGeometry{
		Rows:                first.rows,
		Columns:             first.columns,
		StudyInstanceUID:    first.study,
		SeriesInstanceUID:   first.series,
		FrameOfReferenceUID: first.frameOfRef,
	}
	copy(ref.PixelSpacing[:], first.pixelSpacing)
	copy(ref.Orientation[:], first.orientation)

	for _, h := range headers {
		if h.rows != first.rows || h.columns != first.columns {
			return nil, errs.New(errs.SeriesRead, "series", "%s is %dx%d, series is %dx%d",
				h.path, h.columns, h.rows, first.columns, first.rows)
		}
		if !sameFloats(h.pixelSpacing, first.pixelSpacing, tol) {
			return nil, errs.New(errs.SeriesRead, "series", "%s has pixel spacing %v, series has %v",
				h.path, h.pixelSpacing, first.pixelSpacing)
		}
		if !sameFloats(h.orientation, first.orientation, 1e-4) {
			return nil, errs.New(errs.SeriesRead, "series", "%s has orientation %v, series has %v",
				h.path, h.orientation, first.orientation)
		}
		if len(h.position) != 3 {
			return nil, errs.New(errs.SeriesRead, "series", "%s lacks an image position", h.path)
		}
		ref.Slices = append(ref.Slices, models.Slice{
			Instance: models.Instance{SOPClassUID: h.sopClass, SOPInstanceUID: h.sopInstance},
			Position: models.Vec3{h.position[0], h.position[1], h.position[2]},
			Filename: h.path,
		})
	}
	return ref, nil
}

func readHeader(path string) (imageHeader, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return imageHeader{}, err
	}

	h := imageHeader{path: path}
	if h.sopInstance, err = stringValue(&ds, tag.SOPInstanceUID); err != nil {
		return h, err
	}
	if h.series, err = stringValue(&ds, tag.SeriesInstanceUID); err != nil {
		return h, err
	}
	if h.rows, err = intValue(&ds, tag.Rows); err != nil {
		return h, err
	}
	if h.columns, err = intValue(&ds, tag.Columns); err != nil {
		return h, err
	}
	if h.pixelSpacing, err = floatValues(&ds, tag.PixelSpacing); err != nil {
		return h, err
	}
	if h.orientation, err = floatValues(&ds, tag.ImageOrientationPatient); err != nil {
		return h, err
	}
	if h.position, err = floatValues(&ds, tag.ImagePositionPatient); err != nil {
		return h, err
	}
	// optional attributes
	h.sopClass, _ = stringValue(&ds, tag.SOPClassUID)
	h.study, _ = stringValue(&ds, tag.StudyInstanceUID)
	h.frameOfRef, _ = stringValue(&ds, tag.FrameOfReferenceUID)
	return h, nil
}

func stringValues(ds *dicom.Dataset, t tag.Tag) ([]string, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("element %v holds no string value", t)
	}
	for i := range values {
		values[i] = strings.TrimRight(strings.TrimSpace(values[i]), "\x00")
	}
	return values, nil
}

func stringValue(ds *dicom.Dataset, t tag.Tag) (string, error) {
	values, err := stringValues(ds, t)
	if err != nil {
		return "", err
	}
	return values[0], nil
}

func floatValues(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	values, err := stringValues(ds, t)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("element %v: %w", t, err)
		}
		out[i] = f
	}
	return out, nil
}

func intValue(ds *dicom.Dataset, t tag.Tag) (int, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, err
	}
	values, ok := el.Value.GetValue().([]int)
	if !ok || len(values) == 0 {
		return 0, fmt.Errorf("element %v holds no integer value", t)
	}
	return values[0], nil
}
