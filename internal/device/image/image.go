// Package image implements the ImageController reference driver: a
// device.Driver that replays a single loaded image as if it were a live 2D
// scan, grounded on afspm's image_controller.py.
package image

import (
	"image"
	"image/color"
	"sync"
	"time"

	"spmfabric/internal/model"
)

// Grid is a loaded source image expressed as row-major grayscale samples
// plus the physical extent it covers. LoadGrayscale below builds one from a
// decoded image.Image; tests can also construct a Grid directly.
type Grid struct {
	Values  [][]float64 // Values[y][x]
	Origin  model.Point2d
	Size    model.Size2d
	Units   string
}

// LoadGrayscale converts a decoded image into a Grid covering the given
// physical origin/size. Only the standard image/color package is used here:
// the example pack carries no third-party image codec, so decoding stays on
// the standard library while everything else in this driver follows the
// pack's conventions.
func LoadGrayscale(img image.Image, origin model.Point2d, size model.Size2d, units string) Grid {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	values := make([][]float64, h)
	for y := 0; y < h; y++ {
		row := make([]float64, w)
		for x := 0; x < w; x++ {
			gray := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			row[x] = float64(gray.Y) / 255.0
		}
		values[y] = row
	}
	return Grid{Values: values, Origin: origin, Size: size, Units: units}
}

// at performs bilinear interpolation of g at physical coordinate (x, y). No
// anti-aliasing is applied, matching the original's plain xarray .interp()
// call.
func (g Grid) at(x, y float64) float64 {
	h := len(g.Values)
	if h == 0 {
		return 0
	}
	w := len(g.Values[0])
	if w == 0 {
		return 0
	}

	fx := (x - g.Origin.X) / g.Size.X * float64(w-1)
	fy := (y - g.Origin.Y) / g.Size.Y * float64(h-1)
	fx = clamp(fx, 0, float64(w-1))
	fy = clamp(fy, 0, float64(h-1))

	x0 := int(fx)
	y0 := int(fy)
	x1 := minInt(x0+1, w-1)
	y1 := minInt(y0+1, h-1)
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	v00 := g.Values[y0][x0]
	v10 := g.Values[y0][x1]
	v01 := g.Values[y1][x0]
	v11 := g.Values[y1][x1]

	top := v00 + (v10-v00)*tx
	bottom := v01 + (v11-v01)*tx
	return top + (bottom-top)*ty
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Controller is a device.Driver that simulates scans from a single static
// Grid, timing moves and scans against an injectable clock.
type Controller struct {
	mu sync.Mutex

	grid       Grid
	dataUnits  string
	scanTime   time.Duration
	moveTime   time.Duration
	now        func() time.Time

	state     model.ScanState
	params    model.ScanParameters2d
	scan      model.Scan2d
	haveScan  bool
	startedAt time.Time
	pending   pendingOp
}

type pendingOp int

const (
	pendingNone pendingOp = iota
	pendingMove
	pendingScan
)

// Config configures an ImageController.
type Config struct {
	Grid      Grid
	DataUnits string
	ScanTime  time.Duration
	MoveTime  time.Duration
	// Now defaults to time.Now; tests inject a fake clock to assert the
	// exact timing scenario of the scan-timing end-to-end example.
	Now func() time.Time
}

// NewController constructs an ImageController in ScanStateFree.
func NewController(cfg Config) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		grid:      cfg.Grid,
		dataUnits: cfg.DataUnits,
		scanTime:  cfg.ScanTime,
		moveTime:  cfg.MoveTime,
		now:       now,
		state:     model.ScanStateFree,
	}
}

func (c *Controller) OnStartScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = c.now()
	c.state = model.ScanStateScanning
	c.pending = pendingScan
	return nil
}

func (c *Controller) OnStopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = pendingNone
	c.state = model.ScanStateFree
	return nil
}

func (c *Controller) OnSetScanParams(params model.ScanParameters2d) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = c.now()
	c.state = model.ScanStateMoving
	c.pending = pendingMove
	c.params = params
	return nil
}

func (c *Controller) PollScanState() (model.ScanState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked()
	return c.state, nil
}

func (c *Controller) PollScanParams() (model.ScanParameters2d, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params, nil
}

func (c *Controller) PollScan() (model.Scan2d, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked()
	return c.scan, c.haveScan, nil
}

// advanceLocked checks whether the timed move/scan operation has elapsed
// and, if so, completes it (§8 scenario 6). Must be called with mu held.
func (c *Controller) advanceLocked() {
	if c.pending == pendingNone {
		return
	}
	var duration time.Duration
	switch {
	case c.state == model.ScanStateScanning:
		duration = c.scanTime
	case c.state == model.ScanStateMoving:
		duration = c.moveTime
	default:
		c.pending = pendingNone
		return
	}
	if c.now().Sub(c.startedAt) < duration {
		return
	}
	wasScan := c.pending == pendingScan
	c.pending = pendingNone
	c.state = model.ScanStateFree
	if wasScan {
		c.scan = c.renderScanLocked()
		c.haveScan = true
	}
}

func (c *Controller) renderScanLocked() model.Scan2d {
	p := c.params
	values := make([]float64, 0, p.Shape.X*p.Shape.Y)
	for iy := 0; iy < p.Shape.Y; iy++ {
		var y float64
		if p.Shape.Y > 1 {
			y = p.ROI.TopLeft.Y + p.ROI.Size.Y*float64(iy)/float64(p.Shape.Y-1)
		} else {
			y = p.ROI.TopLeft.Y
		}
		for ix := 0; ix < p.Shape.X; ix++ {
			var x float64
			if p.Shape.X > 1 {
				x = p.ROI.TopLeft.X + p.ROI.Size.X*float64(ix)/float64(p.Shape.X-1)
			} else {
				x = p.ROI.TopLeft.X
			}
			values = append(values, c.grid.at(x, y))
		}
	}
	return model.Scan2d{
		ROI:       p.ROI,
		Shape:     p.Shape,
		Values:    values,
		Channel:   p.Channel,
		Timestamp: c.now(),
		Units:     c.dataUnits,
	}
}
