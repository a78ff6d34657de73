// Package errs defines the failure taxonomy of a conversion run.
// Every stage fails fast; callers test for a class of failure with errors.Is
// against the sentinel values below.
package errs

import (
	"fmt"
	"strings"
)

// Kind classifies a conversion failure
type Kind int

const (
	// GeometryMismatch means the volume cannot be aligned to the reference
	// grid, or alignment was needed but not requested
	GeometryMismatch Kind = iota + 1
	// LabelMappingIncomplete means a label found in the volume has no name
	LabelMappingIncomplete
	// EmptyVolume means the volume holds no non-background label
	EmptyVolume
	// NoSegmentsProduced means nothing is left to encode
	NoSegmentsProduced
	// VolumeRead covers I/O and format failures of the labeled volume
	VolumeRead
	// SeriesRead covers I/O and format failures of the reference series
	SeriesRead
	// Encoding covers failures reported by the output encoder
	Encoding
	// InternalConsistency means an invariant of the pipeline itself broke
	InternalConsistency
)

var kindNames = map[Kind]string{
	GeometryMismatch:       "geometry mismatch",
	LabelMappingIncomplete: "label mapping incomplete",
	EmptyVolume:            "empty volume",
	NoSegmentsProduced:     "no segments produced",
	VolumeRead:             "volume read error",
	SeriesRead:             "series read error",
	Encoding:               "encoding error",
	InternalConsistency:    "internal consistency error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified conversion failure
type Error struct {
	Kind Kind

	// Op names the stage or operation that failed
	Op string

	// Msg carries the context needed to fix inputs or configuration
	Msg string

	// Labels lists the offending label identifiers, if any
	Labels []uint32

	// Err is the underlying cause, if any
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrGeometryMismatch       = &Error{Kind: GeometryMismatch}
	ErrLabelMappingIncomplete = &Error{Kind: LabelMappingIncomplete}
	ErrEmptyVolume            = &Error{Kind: EmptyVolume}
	ErrNoSegmentsProduced     = &Error{Kind: NoSegmentsProduced}
	ErrVolumeRead             = &Error{Kind: VolumeRead}
	ErrSeriesRead             = &Error{Kind: SeriesRead}
	ErrEncoding               = &Error{Kind: Encoding}
	ErrInternalConsistency    = &Error{Kind: InternalConsistency}
)

// New returns an *Error of the given kind with a formatted message
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// MissingLabels reports label identifiers that have no entry in the label map
func MissingLabels(op string, labels []uint32) *Error {
	ids := make([]string, len(labels))
	for i, l := range labels {
		ids[i] = fmt.Sprint(l)
	}
	return &Error{
		Kind:   LabelMappingIncomplete,
		Op:     op,
		Msg:    fmt.Sprintf("no name for label(s) %s", strings.Join(ids, ", ")),
		Labels: labels,
	}
}
