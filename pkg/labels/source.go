package labels

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadLabelMapCSV reads a label map from a CSV file
func ReadLabelMapCSV(path string) (LabelMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening label map: %w", err)
	}
	defer f.Close()

	m, err := ParseLabelMapCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseLabelMapCSV parses <label_id>,<label_name>[,<color>] rows.
// A first row whose id is not a number is taken as a header.
func ParseLabelMapCSV(r io.Reader) (LabelMap, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	m := make(LabelMap)
	row := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row++

		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("row %d: expected <label_id>,<label_name>, got %d field(s)", row, len(rec))
		}

		idText := strings.TrimSpace(rec[0])
		id, err := strconv.ParseUint(idText, 10, 32)
		if err != nil {
			if row == 1 {
				continue
			}
			return nil, fmt.Errorf("row %d: invalid label id %q", row, idText)
		}
		if id == 0 {
			return nil, fmt.Errorf("row %d: label 0 is reserved for background", row)
		}
		if _, dup := m[uint32(id)]; dup {
			return nil, fmt.Errorf("row %d: label %d is listed twice", row, id)
		}

		entry := Entry{Name: strings.TrimSpace(rec[1])}
		if entry.Name == "" {
			return nil, fmt.Errorf("row %d: label %d has an empty name", row, id)
		}
		if len(rec) > 2 && strings.TrimSpace(strings.Join(rec[2:], ",")) != "" {
			c, err := ParseColor(strings.Join(rec[2:], ","))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
			entry.Color = &c
		}
		m[uint32(id)] = entry
	}
	return m, nil
}

// ConsoleNamer asks for region names on a terminal
type ConsoleNamer struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
}

// Name prompts for the name of one region. Empty answers are asked again.
func (c *ConsoleNamer) Name(id uint32, position, total int) (string, error) {
	if c.scanner == nil {
		c.scanner = bufio.NewScanner(c.In)
		fmt.Fprintf(c.Out, "Found %d regions in the NIfTI file, please input a name for each of them.\n", total)
	}
	for {
		fmt.Fprintf(c.Out, "(%d/%d) - Please insert a name for the region with assigned number %d: ", position, total, id)
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		if name := strings.TrimSpace(c.scanner.Text()); name != "" {
			if position == total {
				fmt.Fprintln(c.Out, "Thank you, DICOM SEG file will be generated now...")
			}
			return name, nil
		}
	}
}

// DerivedNamer names regions after their identifier, for unattended runs
type DerivedNamer struct {
	// Prefix defaults to "Segment"
	Prefix string
}

// Name returns "<Prefix> <id>"
func (d DerivedNamer) Name(id uint32, _, _ int) (string, error) {
	prefix := d.Prefix
	if prefix == "" {
		prefix = "Segment"
	}
	return fmt.Sprintf("%s %d", prefix, id), nil
}
