package image

import (
	"testing"
	"time"

	"spmfabric/internal/model"
)

// fakeClock lets the scan-timing scenario advance time deterministically
// instead of sleeping in the test.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func flatGrid(value float64, size int) Grid {
	values := make([][]float64, size)
	for y := range values {
		row := make([]float64, size)
		for x := range row {
			row[x] = value
		}
		values[y] = row
	}
	return Grid{Values: values, Origin: model.Point2d{X: 0, Y: 0}, Size: model.Size2d{X: 10, Y: 10}, Units: "nm"}
}

// rampGrid produces a grid whose value increases linearly along x, letting
// bilinear interpolation be checked against a known closed form.
func rampGrid(size int) Grid {
	values := make([][]float64, size)
	for y := range values {
		row := make([]float64, size)
		for x := range row {
			row[x] = float64(x) / float64(size-1)
		}
		values[y] = row
	}
	return Grid{Values: values, Origin: model.Point2d{X: 0, Y: 0}, Size: model.Size2d{X: 10, Y: 10}, Units: "nm"}
}

// TestScanTimingScenario mirrors the spec's scan-timing end-to-end example:
// scan_time_s=0.2, move_time_s=0.1, SET_SCAN_PARAMS then wait 0.15s yields
// FREE->MOVING->FREE, START_SCAN then wait 0.25s yields FREE->SCANNING->FREE
// with a correctly shaped published scan.
func TestScanTimingScenario(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	grid := rampGrid(8)
	ctl := NewController(Config{
		Grid:      grid,
		DataUnits: "nm",
		ScanTime:  200 * time.Millisecond,
		MoveTime:  100 * time.Millisecond,
		Now:       clock.Now,
	})

	params := model.ScanParameters2d{
		ROI:     model.ROI{TopLeft: model.Point2d{X: 2, Y: 2}, Size: model.Size2d{X: 4, Y: 4}, Units: "nm"},
		Shape:   model.Shape{X: 16, Y: 16},
		Channel: "topo",
	}
	if err := ctl.OnSetScanParams(params); err != nil {
		t.Fatalf("OnSetScanParams() returned error: %v", err)
	}

	state, _ := ctl.PollScanState()
	if state != model.ScanStateMoving {
		t.Fatalf("expected MOVING immediately after SET_SCAN_PARAMS, got %v", state)
	}

	clock.Advance(150 * time.Millisecond)
	state, _ = ctl.PollScanState()
	if state != model.ScanStateFree {
		t.Fatalf("expected FREE after move completes, got %v", state)
	}

	if err := ctl.OnStartScan(); err != nil {
		t.Fatalf("OnStartScan() returned error: %v", err)
	}
	state, _ = ctl.PollScanState()
	if state != model.ScanStateScanning {
		t.Fatalf("expected SCANNING immediately after START_SCAN, got %v", state)
	}

	clock.Advance(250 * time.Millisecond)
	state, _ = ctl.PollScanState()
	if state != model.ScanStateFree {
		t.Fatalf("expected FREE after scan completes, got %v", state)
	}

	scan, ok, err := ctl.PollScan()
	if err != nil {
		t.Fatalf("PollScan() returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected a completed scan to be available")
	}
	if scan.Shape.X != 16 || scan.Shape.Y != 16 {
		t.Fatalf("expected shape (16,16), got (%d,%d)", scan.Shape.X, scan.Shape.Y)
	}
	if len(scan.Values) != 16*16 {
		t.Fatalf("expected 256 sample values, got %d", len(scan.Values))
	}
}

func TestBilinearInterpolationMatchesClosedFormOnRamp(t *testing.T) {
	grid := rampGrid(5) // values 0, 0.25, 0.5, 0.75, 1.0 along x in [0,10]
	got := grid.at(5, 0) // midpoint in physical space
	want := 0.5
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("at(5,0) = %v, want %v", got, want)
	}
}

func TestFlatGridInterpolatesToConstant(t *testing.T) {
	grid := flatGrid(0.42, 4)
	if got := grid.at(3.3, 7.1); got != 0.42 {
		t.Fatalf("expected constant interpolation, got %v", got)
	}
}
