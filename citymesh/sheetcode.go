package citymesh

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Map sheet codes follow the MLIT standard map sheet system
// (https://www.mlit.go.jp/common/001248461.pdf). Each plane rectangular
// CRS zone is cut into lettered 40 km x 30 km level-50000 sheets that
// subdivide into numbered cells down to level 50. The point-cloud tiles
// on disk are named by these codes.

// SheetExtent is the rectangle a sheet code covers, in the meters of its
// zone's CRS. SRID is zero when the code carries no zone prefix.
type SheetExtent struct {
	MinX, MinY float64
	MaxX, MaxY float64
	SRID       int
	Level      int
}

func isSheetDigit(c byte) bool { return c >= '0' && c <= '9' }

func validSheetLevel(level int) bool {
	switch level {
	case 50000, 5000, 2500, 1000, 500, 250, 50:
		return true
	}
	return false
}

// floorDiv is integer division rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// floorMod is the remainder matching floorDiv. The result has the sign
// of b.
func floorMod(a, b int) int {
	m := a % b
	if m != 0 && (a < 0) != (b < 0) {
		m += b
	}
	return m
}

// SheetCodeAt returns the sheet code of the cell containing (x, y) at
// the given level. A zone number of zero omits the two-digit prefix.
func SheetCodeAt(x, y float64, systemCode, level int) (string, error) {
	if math.Abs(x) >= 160000 || math.Abs(y) >= 300000 {
		return "", validationf("coordinate (%g, %g) is outside the sheet system", x, y)
	}
	if !validSheetLevel(level) {
		return "", validationf("unsupported sheet level %d", level)
	}

	var b strings.Builder
	if systemCode > 0 {
		fmt.Fprintf(&b, "%02d", systemCode)
	}

	// Row indices grow southward. Inverting y up front keeps the cell
	// arithmetic on one side of zero.
	xi := int(x)
	yi := int(-y)

	b.WriteByte(byte(75 + floorDiv(yi, 30000))) // A-T
	b.WriteByte(byte(69 + floorDiv(xi, 40000))) // A-H
	if level > 5000 {
		return b.String(), nil
	}

	xi = floorMod(xi, 40000)
	yi = floorMod(yi, 30000)
	b.WriteByte(byte('0' + yi/3000))
	b.WriteByte(byte('0' + xi/4000))
	if level > 2500 {
		return b.String(), nil
	}

	xi %= 4000
	yi %= 3000

	switch level {
	case 2500:
		quadrant := byte('1')
		if xi >= 2000 {
			quadrant++
		}
		if yi >= 1500 {
			quadrant += 2
		}
		b.WriteByte(quadrant)
		return b.String(), nil
	case 1000:
		b.WriteByte(byte('0' + yi/600)) // 0-4
		b.WriteByte(byte('A' + xi/800)) // A-E
		return b.String(), nil
	case 250:
		b.WriteByte(byte('A' + yi/150)) // A-T
		b.WriteByte(byte('A' + xi/200)) // A-T
		return b.String(), nil
	}

	b.WriteByte(byte('0' + yi/300))
	b.WriteByte(byte('0' + xi/400))
	if level == 500 {
		return b.String(), nil
	}

	// Level 50 is the custom tenfold split of a level-500 cell.
	xi %= 400
	yi %= 300
	b.WriteByte(byte('0' + yi/30))
	b.WriteByte(byte('0' + xi/40))
	return b.String(), nil
}

// SheetExtentOf parses a sheet code and returns the rectangle it covers.
func SheetExtentOf(code string) (SheetExtent, error) {
	rest := code
	srid := 0
	if len(rest) >= 2 && isSheetDigit(rest[0]) && isSheetDigit(rest[1]) {
		zone, err := strconv.Atoi(rest[:2])
		if err != nil || zone < 1 || zone > 19 {
			return SheetExtent{}, validationf("sheet code %q has an invalid zone prefix", code)
		}
		srid = sridForZone(zone)
		rest = rest[2:]
	}
	if len(rest) < 2 || rest[0] < 'A' || rest[0] > 'T' || rest[1] < 'A' || rest[1] > 'H' {
		return SheetExtent{}, validationf("malformed sheet code %q", code)
	}
	row, col := rest[0], rest[1]
	numbers := rest[2:]
	switch len(numbers) {
	case 0, 2, 3, 4, 6:
	default:
		return SheetExtent{}, validationf("malformed sheet code %q", code)
	}

	x0 := float64(-160+int(col-'A')*40) * 1000
	y0 := float64(300-int(row-'A')*30) * 1000
	dx, dy := 40000.0, 30000.0
	level := 50000

	if len(numbers) >= 2 {
		if !isSheetDigit(numbers[0]) || !isSheetDigit(numbers[1]) {
			return SheetExtent{}, validationf("malformed sheet code %q", code)
		}
		x0 += float64(numbers[1]-'0') * 4000
		y0 -= float64(numbers[0]-'0') * 3000
		dx, dy = 4000, 3000
		level = 5000
	}

	if len(numbers) == 3 {
		switch numbers[2] {
		case '1':
		case '2':
			x0 += 2000
		case '3':
			y0 -= 1500
		case '4':
			x0 += 2000
			y0 -= 1500
		default:
			return SheetExtent{}, validationf("malformed sheet code %q", code)
		}
		dx, dy = 2000, 1500
		level = 2500
	}

	if len(numbers) >= 4 {
		n2, n3 := numbers[2], numbers[3]
		switch {
		case isSheetDigit(n2) && n3 >= 'A' && n3 <= 'E':
			x0 += float64(n3-'A') * 800
			y0 -= float64(n2-'0') * 600
			dx, dy = 800, 600
			level = 1000
		case isSheetDigit(n2) && isSheetDigit(n3):
			x0 += float64(n3-'0') * 400
			y0 -= float64(n2-'0') * 300
			dx, dy = 400, 300
			level = 500
		case n2 >= 'A' && n2 <= 'T' && n3 >= 'A' && n3 <= 'T':
			x0 += float64(n3-'A') * 200
			y0 -= float64(n2-'A') * 150
			dx, dy = 200, 150
			level = 250
		default:
			return SheetExtent{}, validationf("malformed sheet code %q", code)
		}
	}

	if len(numbers) == 6 {
		n4, n5 := numbers[4], numbers[5]
		switch {
		case isSheetDigit(n4) && n5 >= 'A' && n5 <= 'E':
			dx, dy = dx/5, dy/5
			x0 += float64(n5-'A') * dx
			y0 -= float64(n4-'0') * dy
			level /= 5
		case isSheetDigit(n4) && isSheetDigit(n5):
			dx, dy = dx/10, dy/10
			x0 += float64(n5-'0') * dx
			y0 -= float64(n4-'0') * dy
			level /= 10
		case n4 >= 'A' && n4 <= 'T' && n5 >= 'A' && n5 <= 'T':
			dx, dy = dx/20, dy/20
			x0 += float64(n5-'A') * dx
			y0 -= float64(n4-'A') * dy
			level /= 20
		default:
			return SheetExtent{}, validationf("malformed sheet code %q", code)
		}
	}

	return SheetExtent{
		MinX:  x0,
		MinY:  y0 - dy,
		MaxX:  x0 + dx,
		MaxY:  y0,
		SRID:  srid,
		Level: level,
	}, nil
}

// SheetCodesInArea returns the codes of every cell touching the
// rectangle spanned by (x0, y0) and (x1, y1). The walk deliberately
// oversteps the far edges by one cell so boundary-straddling corners are
// always covered.
func SheetCodesInArea(x0, y0, x1, y1 float64, systemCode, level int) ([]string, error) {
	if !validSheetLevel(level) {
		return nil, validationf("unsupported sheet level %d", level)
	}
	dx := 40000 * float64(level) / 50000
	dy := 30000 * float64(level) / 50000
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}

	var codes []string
	for x := x0; ; x += dx {
		for y := y0; ; y += dy {
			code, err := SheetCodeAt(x, y, systemCode, level)
			if err != nil {
				return nil, err
			}
			codes = append(codes, code)
			if y > y1 {
				break
			}
		}
		if x > x1 {
			break
		}
	}
	return codes, nil
}
