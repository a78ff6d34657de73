package labels

import (
	"fmt"
	"strconv"
	"strings"
)

// RGB is a display color
type RGB [3]uint8

func (c RGB) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// tableau20 is the Tableau 20 qualitative palette
var tableau20 = [...]RGB{
	{31, 119, 180}, {174, 199, 232}, {255, 127, 14}, {255, 187, 120},
	{44, 160, 44}, {152, 223, 138}, {214, 39, 40}, {255, 152, 150},
	{148, 103, 189}, {197, 176, 213}, {140, 86, 75}, {196, 156, 148},
	{227, 119, 194}, {247, 182, 210}, {127, 127, 127}, {199, 199, 199},
	{188, 189, 34}, {219, 219, 141}, {23, 190, 207}, {158, 218, 229},
}

// PaletteSize is the number of distinct default colors
const PaletteSize = len(tableau20)

// Palette returns the default color of the i-th segment, cycling through
// the table
func Palette(i int) RGB {
	n := len(tableau20)
	return tableau20[((i%n)+n)%n]
}

// ParseColor accepts "#rrggbb", "rrggbb" or three integers separated by
// spaces, commas or semicolons
func ParseColor(s string) (RGB, error) {
	s = strings.TrimSpace(s)
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 6 && !strings.ContainsAny(hex, " ,;") {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err == nil {
			return RGB{uint8(v >> 16), uint8(v >> 8), uint8(v)}, nil
		}
	}

	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ';'
	})
	if len(parts) != 3 {
		return RGB{}, fmt.Errorf("invalid color %q", s)
	}
	var c RGB
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return RGB{}, fmt.Errorf("invalid color %q: %w", s, err)
		}
		c[i] = uint8(v)
	}
	return c, nil
}
