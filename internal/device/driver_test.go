package device

import (
	"testing"

	"spmfabric/internal/control"
	"spmfabric/internal/model"
)

// zctrlDriver extends scriptedDriver with the optional ZController extension.
type zctrlDriver struct {
	scriptedDriver
	lastParams map[string]float64
}

func (d *zctrlDriver) OnSetZCtrlParams(params map[string]float64) error {
	d.lastParams = params
	return nil
}

func (d *zctrlDriver) PollZCtrlParams() (map[string]float64, error) {
	return d.lastParams, nil
}

func TestHandleParamWithoutZControllerIsNotSupported(t *testing.T) {
	driver := &scriptedDriver{state: model.ScanStateFree}
	c := NewController(ControllerConfig{Driver: driver, Publisher: &recordingPublisher{}})

	reply := c.Handle(control.Request{Kind: control.Param, ParamKey: "setpoint", ParamVal: 1.5})
	if reply.Code != control.CmdNotSupported {
		t.Fatalf("expected CMD_NOT_SUPPORTED, got %v", reply.Code)
	}
}

func TestHandleParamDispatchesToZController(t *testing.T) {
	driver := &zctrlDriver{scriptedDriver: scriptedDriver{state: model.ScanStateFree}}
	c := NewController(ControllerConfig{Driver: driver, Publisher: &recordingPublisher{}})

	reply := c.Handle(control.Request{Kind: control.Param, ParamKey: "setpoint", ParamVal: 1.5})
	if reply.Code != control.Success {
		t.Fatalf("expected SUCCESS, got %v", reply.Code)
	}
	if driver.lastParams["setpoint"] != 1.5 {
		t.Fatalf("expected ZController to receive the param, got %+v", driver.lastParams)
	}
	if reply.Params["setpoint"] != 1.5 {
		t.Fatalf("expected the reply to carry a get-after-set payload, got %+v", reply.Params)
	}
}

func TestHandleSetScanParamsMissingParamsFails(t *testing.T) {
	driver := &scriptedDriver{state: model.ScanStateFree}
	c := NewController(ControllerConfig{Driver: driver, Publisher: &recordingPublisher{}})

	reply := c.Handle(control.Request{Kind: control.SetScanParams})
	if reply.Code != control.RepFailure {
		t.Fatalf("expected REP_FAILURE for missing params, got %v", reply.Code)
	}
}
