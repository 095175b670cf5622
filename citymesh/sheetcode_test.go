package citymesh

import (
	"reflect"
	"testing"
)

func TestFloorDivMod(t *testing.T) {
	tests := []struct {
		a, b     int
		div, mod int
	}{
		{7, 3, 2, 1},
		{-7, 3, -3, 2},
		{7, -3, -3, -2},
		{-7, -3, 2, -1},
		{6, 3, 2, 0},
		{-6, 3, -2, 0},
		{-50000, 40000, -2, 30000},
	}
	for _, tt := range tests {
		if got := floorDiv(tt.a, tt.b); got != tt.div {
			t.Errorf("floorDiv(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.div)
		}
		if got := floorMod(tt.a, tt.b); got != tt.mod {
			t.Errorf("floorMod(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.mod)
		}
	}
}

func TestSheetCodeAt(t *testing.T) {
	tests := []struct {
		name       string
		x, y       float64
		systemCode int
		level      int
		want       string
	}{
		{"level 50000", 32400, -129000, 8, 50000, "08OE"},
		{"level 5000", 32400, -129000, 8, 5000, "08OE38"},
		{"level 500", 32400, -129000, 8, 500, "08OE3801"},
		{"level 50", 32676.002, -99170.908, 8, 50, "08NE380156"},
		{"no zone prefix", 32400, -129000, 0, 500, "OE3801"},
		{"quadrant 1", 32500, -99500, 8, 2500, "08NE381"},
		{"quadrant 2", 34500, -99500, 8, 2500, "08NE382"},
		{"quadrant 3", 32500, -101000, 8, 2500, "08NE383"},
		{"quadrant 4", 34500, -101000, 8, 2500, "08NE384"},
		{"level 1000", 32500, -99500, 8, 1000, "08NE380A"},
		{"level 250", 32500, -99500, 8, 250, "08NE38DC"},
		{"negative coordinates", -50000, 50000, 0, 50000, "IC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SheetCodeAt(tt.x, tt.y, tt.systemCode, tt.level)
			if err != nil {
				t.Fatalf("SheetCodeAt: %v", err)
			}
			if got != tt.want {
				t.Errorf("SheetCodeAt(%g, %g, %d, %d) = %q, want %q",
					tt.x, tt.y, tt.systemCode, tt.level, got, tt.want)
			}
		})
	}
}

func TestSheetCodeAtRejects(t *testing.T) {
	if _, err := SheetCodeAt(200000, 0, 8, 500); !IsValidation(err) {
		t.Errorf("x out of range: expected ValidationError, got %v", err)
	}
	if _, err := SheetCodeAt(0, -300000, 8, 500); !IsValidation(err) {
		t.Errorf("y out of range: expected ValidationError, got %v", err)
	}
	if _, err := SheetCodeAt(0, 0, 8, 100); !IsValidation(err) {
		t.Errorf("bad level: expected ValidationError, got %v", err)
	}
}

func TestSheetExtentOf(t *testing.T) {
	tests := []struct {
		code string
		want SheetExtent
	}{
		{"08NE3801", SheetExtent{MinX: 32400, MinY: -99300, MaxX: 32800, MaxY: -99000, SRID: 6676, Level: 500}},
		{"NE", SheetExtent{MinX: 0, MinY: -120000, MaxX: 40000, MaxY: -90000, SRID: 0, Level: 50000}},
		{"08NE380156", SheetExtent{MinX: 32640, MinY: -99180, MaxX: 32680, MaxY: -99150, SRID: 6676, Level: 50}},
		{"08NE382", SheetExtent{MinX: 34000, MinY: -100500, MaxX: 36000, MaxY: -99000, SRID: 6676, Level: 2500}},
		{"08NE380A", SheetExtent{MinX: 32000, MinY: -99600, MaxX: 32800, MaxY: -99000, SRID: 6676, Level: 1000}},
		{"08NE38DC", SheetExtent{MinX: 32400, MinY: -99600, MaxX: 32600, MaxY: -99450, SRID: 6676, Level: 250}},
		{"IC", SheetExtent{MinX: -80000, MinY: 30000, MaxX: -40000, MaxY: 60000, SRID: 0, Level: 50000}},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := SheetExtentOf(tt.code)
			if err != nil {
				t.Fatalf("SheetExtentOf(%q): %v", tt.code, err)
			}
			if got != tt.want {
				t.Errorf("SheetExtentOf(%q) = %+v, want %+v", tt.code, got, tt.want)
			}
		})
	}
}

func TestSheetExtentOfRejects(t *testing.T) {
	for _, code := range []string{"", "5", "08", "08N", "08ne3801", "08NE3", "08NE38012", "08NEXY", "99NE38"} {
		if _, err := SheetExtentOf(code); !IsValidation(err) {
			t.Errorf("SheetExtentOf(%q): expected ValidationError, got %v", code, err)
		}
	}
}

func TestSheetCodeExtentRoundTrip(t *testing.T) {
	points := []struct{ x, y float64 }{
		{32676.002, -99170.908},
		{12345.678, 87654.321},
		{-123456.7, -234567.8},
	}
	for _, p := range points {
		for _, level := range []int{50000, 5000, 2500, 1000, 500, 250, 50} {
			code, err := SheetCodeAt(p.x, p.y, 8, level)
			if err != nil {
				t.Fatalf("SheetCodeAt(%g, %g, 8, %d): %v", p.x, p.y, level, err)
			}
			extent, err := SheetExtentOf(code)
			if err != nil {
				t.Fatalf("SheetExtentOf(%q): %v", code, err)
			}
			if p.x < extent.MinX || p.x >= extent.MaxX || p.y <= extent.MinY || p.y > extent.MaxY {
				t.Errorf("level %d: point (%g, %g) outside extent %+v of its own code %q",
					level, p.x, p.y, extent, code)
			}
			if extent.Level != level {
				t.Errorf("code %q parsed back level %d, want %d", code, extent.Level, level)
			}
		}
	}
}

func TestSheetCodesInArea(t *testing.T) {
	codes, err := SheetCodesInArea(
		32676.00220000071, -99170.90840027311,
		32704.777800000735, -99142.45190027489,
		8, 50)
	if err != nil {
		t.Fatalf("SheetCodesInArea: %v", err)
	}
	want := []string{"08NE380156", "08NE380146", "08NE380157", "08NE380147"}
	if !reflect.DeepEqual(codes, want) {
		t.Errorf("SheetCodesInArea = %v, want %v", codes, want)
	}
}

func TestSheetCodesInAreaSwapsCorners(t *testing.T) {
	a, err := SheetCodesInArea(100, 100, 500, 400, 8, 500)
	if err != nil {
		t.Fatalf("SheetCodesInArea: %v", err)
	}
	b, err := SheetCodesInArea(500, 400, 100, 100, 8, 500)
	if err != nil {
		t.Fatalf("SheetCodesInArea swapped: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("corner order changed the result: %v vs %v", a, b)
	}
}

func TestSheetCodesInAreaBadLevel(t *testing.T) {
	if _, err := SheetCodesInArea(0, 0, 1, 1, 8, 123); !IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
