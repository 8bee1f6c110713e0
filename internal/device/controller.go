package device

import (
	"context"
	"sync"

	"spmfabric/internal/control"
	"spmfabric/internal/logging"
	"spmfabric/internal/model"
)

// Publisher is the minimal surface Controller needs to emit diffs.
type Publisher interface {
	Send(msg model.Message) error
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Driver    Driver
	Publisher Publisher
	Log       *logging.Logger
}

// Controller runs the device controller loop of §4.7: it owns the last
// published state/params/scan so it can detect diffs, and it implements
// control.DeviceHandler so a Router can forward approved requests directly
// to it.
type Controller struct {
	mu sync.Mutex

	driver    Driver
	publisher Publisher
	log       *logging.Logger

	lastState  model.ScanState
	haveState  bool
	lastParams model.ScanParameters2d
	haveParams bool
	lastScan   model.Scan2d
	haveScan   bool
}

// NewController constructs a Controller over driver, publishing diffs via
// publisher.
func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Log
	if log == nil {
		log = logging.L()
	}
	return &Controller{driver: cfg.Driver, publisher: cfg.Publisher, log: log}
}

// Handle implements control.DeviceHandler (§4.7 point 1): while the last
// polled scan_state is SCANNING, only scan-safe requests are dispatched to
// the driver; everything else gets PERFORMING_SCAN without touching device
// state.
func (c *Controller) Handle(req control.Request) control.Reply {
	c.mu.Lock()
	scanning := c.haveState && c.lastState == model.ScanStateScanning
	c.mu.Unlock()

	if scanning && !control.IsScanSafe(req.Kind) {
		return control.Reply{Code: control.PerformingScan}
	}
	return dispatch(c.driver, req)
}

// Tick runs one iteration of the loop: poll the driver for state, params,
// and (when available) the latest scan, and publish every aspect that
// changed since the previous tick, in the order state → params → scan
// (§5 ordering guarantee, §4.7 point 2).
func (c *Controller) Tick(ctx context.Context) error {
	state, err := c.driver.PollScanState()
	if err != nil {
		return err
	}
	if c.recordState(state) {
		if err := c.publish(model.ScanStateMessage{State: state}); err != nil {
			return err
		}
	}

	params, err := c.driver.PollScanParams()
	if err != nil {
		return err
	}
	if c.recordParams(params) {
		if err := c.publish(params); err != nil {
			return err
		}
	}

	scan, ok, err := c.driver.PollScan()
	if err != nil {
		return err
	}
	if ok && c.recordScan(scan) {
		if err := c.publish(scan); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) recordState(state model.ScanState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !c.haveState || c.lastState != state
	c.lastState, c.haveState = state, true
	return changed
}

func (c *Controller) recordParams(params model.ScanParameters2d) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !c.haveParams || !c.lastParams.Equal(params)
	c.lastParams, c.haveParams = params, true
	return changed
}

// recordScan applies the comparison rule of §4.7 point 2: compare
// timestamps when both are set (non-zero), otherwise compare raw sample
// arrays.
func (c *Controller) recordScan(scan model.Scan2d) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := true
	if c.haveScan {
		if !c.lastScan.Timestamp.IsZero() && !scan.Timestamp.IsZero() {
			changed = !c.lastScan.Timestamp.Equal(scan.Timestamp)
		} else {
			changed = !sameValues(c.lastScan.Values, scan.Values)
		}
	}
	c.lastScan, c.haveScan = scan, true
	return changed
}

func sameValues(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Controller) publish(msg model.Message) error {
	if c.publisher == nil {
		return nil
	}
	return c.publisher.Send(msg)
}
