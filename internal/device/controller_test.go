package device

import (
	"context"
	"testing"

	"spmfabric/internal/control"
	"spmfabric/internal/model"
)

type scriptedDriver struct {
	state      model.ScanState
	params     model.ScanParameters2d
	scan       model.Scan2d
	haveScan   bool
	startCalls int
	stopCalls  int
}

func (d *scriptedDriver) PollScanState() (model.ScanState, error)      { return d.state, nil }
func (d *scriptedDriver) PollScanParams() (model.ScanParameters2d, error) { return d.params, nil }
func (d *scriptedDriver) PollScan() (model.Scan2d, bool, error)        { return d.scan, d.haveScan, nil }
func (d *scriptedDriver) OnStartScan() error                          { d.startCalls++; return nil }
func (d *scriptedDriver) OnStopScan() error                           { d.stopCalls++; return nil }
func (d *scriptedDriver) OnSetScanParams(p model.ScanParameters2d) error {
	d.params = p
	return nil
}

type recordingPublisher struct {
	sent []model.Message
}

func (r *recordingPublisher) Send(msg model.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestTickPublishesOnlyChangedAspectsInOrder(t *testing.T) {
	driver := &scriptedDriver{state: model.ScanStateFree}
	pub := &recordingPublisher{}
	c := NewController(ControllerConfig{Driver: driver, Publisher: pub})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() returned error: %v", err)
	}
	// First tick: everything is new, so state + params are published (no
	// scan is available yet).
	if len(pub.sent) != 2 {
		t.Fatalf("expected 2 messages on first tick, got %d: %#v", len(pub.sent), pub.sent)
	}
	if _, ok := pub.sent[0].(model.ScanStateMessage); !ok {
		t.Fatalf("expected state published first, got %T", pub.sent[0])
	}
	if _, ok := pub.sent[1].(model.ScanParameters2d); !ok {
		t.Fatalf("expected params published second, got %T", pub.sent[1])
	}

	// Second tick with nothing changed: no further publications.
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() returned error: %v", err)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected no new messages on an unchanged tick, got %d", len(pub.sent)-2)
	}
}

func TestHandlePerformingScanBlocksNonAllowlistedRequests(t *testing.T) {
	driver := &scriptedDriver{state: model.ScanStateScanning}
	pub := &recordingPublisher{}
	c := NewController(ControllerConfig{Driver: driver, Publisher: pub})
	// Drive the controller's internal last-known state to SCANNING.
	_ = c.Tick(context.Background())

	reply := c.Handle(control.Request{Kind: control.SetScanParams, Params: &model.ScanParameters2d{}})
	if reply.Code != control.PerformingScan {
		t.Fatalf("expected PERFORMING_SCAN, got %v", reply.Code)
	}
	if driver.params.Channel != "" {
		t.Fatal("expected device params to remain untouched")
	}

	reply = c.Handle(control.Request{Kind: control.StopScan})
	if reply.Code != control.Success {
		t.Fatalf("expected STOP_SCAN (scan-safe) to succeed, got %v", reply.Code)
	}
	if driver.stopCalls != 1 {
		t.Fatalf("expected OnStopScan to be called once, got %d", driver.stopCalls)
	}
}

func TestTickPublishesFirstAvailableScan(t *testing.T) {
	driver := &scriptedDriver{state: model.ScanStateFree}
	pub := &recordingPublisher{}
	c := NewController(ControllerConfig{Driver: driver, Publisher: pub})
	_ = c.Tick(context.Background())

	driver.scan = model.Scan2d{Values: []float64{1, 2, 3}}
	driver.haveScan = true
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() returned error: %v", err)
	}
	foundScan := false
	for _, msg := range pub.sent {
		if _, ok := msg.(model.Scan2d); ok {
			foundScan = true
		}
	}
	if !foundScan {
		t.Fatal("expected the first available scan to be published")
	}
}
