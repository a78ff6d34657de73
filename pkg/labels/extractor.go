// Package labels discovers the regions of a labeled volume and resolves each
// of them to a name and a display color.
package labels

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

// Descriptor is a named, colored region identifier
type Descriptor struct {
	ID    uint32
	Name  string
	Color RGB
}

// ProbabilityMap describes the single segment of a fractional volume
func ProbabilityMap() Descriptor {
	return Descriptor{ID: 1, Name: "Probability Map", Color: Palette(0)}
}

// Entry is what a label map knows about one identifier
type Entry struct {
	Name string
	// Color is nil when the palette should decide
	Color *RGB
}

// LabelMap maps identifiers to names and optional colors
type LabelMap map[uint32]Entry

// Namer names regions one at a time, e.g. by asking a user
type Namer interface {
	// Name returns the name of region id, the position-th of total (1-based)
	Name(id uint32, position, total int) (string, error)
}

// Distinct returns the non-background identifiers present in vol, ascending
func Distinct(vol *models.LabeledVolume) []uint32 {
	seen := make(map[uint32]struct{})
	for _, l := range vol.Labels {
		if l != 0 {
			seen[l] = struct{}{}
		}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Extraction is the outcome of resolving the labels of a volume
type Extraction struct {
	// Descriptors are ordered by ascending identifier
	Descriptors []Descriptor

	// Dropped lists identifiers present in the volume but left unmapped
	Dropped []uint32
}

// Extractor resolves label identifiers to descriptors
type Extractor struct {
	// SkipMissing drops unmapped identifiers instead of failing
	SkipMissing bool

	Logger *zap.Logger
}

func (e *Extractor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// FromLabelMap validates m against the identifiers found in vol.
// Entries for identifiers absent from the volume are ignored.
func (e *Extractor) FromLabelMap(vol *models.LabeledVolume, m LabelMap) (*Extraction, error) {
	ids, err := e.discover(vol)
	if err != nil {
		return nil, err
	}

	var mapped, missing []uint32
	for _, id := range ids {
		if _, ok := m[id]; ok {
			mapped = append(mapped, id)
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		if !e.SkipMissing {
			return nil, errs.MissingLabels("labels", missing)
		}
		e.logger().Warn("Skipping labels without a name, their voxels stay unsegmented",
			zap.Uint32s("labels", missing))
	}

	out := &Extraction{Dropped: missing}
	for i, id := range mapped {
		entry := m[id]
		d := Descriptor{ID: id, Name: entry.Name, Color: Palette(i)}
		if entry.Color != nil {
			d.Color = *entry.Color
		}
		out.Descriptors = append(out.Descriptors, d)
	}

	e.logger().Info(fmt.Sprintf("%d/%d labels correctly mapped", len(mapped), len(ids)))
	return out, nil
}

// FromNamer asks n for the name of every identifier found in vol, in
// ascending order
func (e *Extractor) FromNamer(vol *models.LabeledVolume, n Namer) (*Extraction, error) {
	ids, err := e.discover(vol)
	if err != nil {
		return nil, err
	}

	out := &Extraction{}
	for i, id := range ids {
		name, err := n.Name(id, i+1, len(ids))
		if err != nil {
			return nil, fmt.Errorf("naming label %d: %w", id, err)
		}
		out.Descriptors = append(out.Descriptors, Descriptor{ID: id, Name: name, Color: Palette(i)})
	}
	return out, nil
}

func (e *Extractor) discover(vol *models.LabeledVolume) ([]uint32, error) {
	ids := Distinct(vol)
	if len(ids) == 0 {
		return nil, errs.New(errs.EmptyVolume, "labels", "volume of size %s holds only background", vol.Size)
	}
	for _, id := range ids {
		e.logger().Debug("Found label in image", zap.Uint32("label", id))
	}
	return ids, nil
}
