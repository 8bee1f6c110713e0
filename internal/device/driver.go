// Package device implements the Device Controller loop of §4.7: polling a
// Driver for state, dispatching approved control requests to it, and
// publishing diffs to the pub/sub fabric in the order state → params → scan.
package device

import (
	"spmfabric/internal/control"
	"spmfabric/internal/model"
)

// Driver is the narrow interface a concrete device implementation provides
// (§4.7 last paragraph). Any operation the device does not support returns
// control.ErrNotSupported rather than failing structurally.
type Driver interface {
	PollScanState() (model.ScanState, error)
	PollScanParams() (model.ScanParameters2d, error)
	// PollScan returns the most recently completed scan. ok is false if no
	// scan has completed yet.
	PollScan() (scan model.Scan2d, ok bool, err error)

	OnStartScan() error
	OnStopScan() error
	OnSetScanParams(params model.ScanParameters2d) error
}

// ZController is an optional extension a Driver may additionally implement
// for z-feedback-loop parameters (§6.3 "optional on_set_zctrl_params").
type ZController interface {
	OnSetZCtrlParams(params map[string]float64) error
	PollZCtrlParams() (map[string]float64, error)
}

// dispatch runs req against drv and returns the handler's reply, translating
// control.ErrNotSupported into CMD_NOT_SUPPORTED (§6.3).
func dispatch(drv Driver, req control.Request) control.Reply {
	switch req.Kind {
	case control.StartScan:
		return replyFor(drv.OnStartScan())
	case control.StopScan:
		return replyFor(drv.OnStopScan())
	case control.SetScanParams:
		if req.Params == nil {
			return control.Reply{Code: control.RepFailure, Message: "missing params"}
		}
		return replyFor(drv.OnSetScanParams(*req.Params))
	case control.Param:
		zc, ok := drv.(ZController)
		if !ok {
			return control.Reply{Code: control.CmdNotSupported, Message: string(req.Kind)}
		}
		if err := zc.OnSetZCtrlParams(map[string]float64{req.ParamKey: req.ParamVal}); err != nil {
			return replyFor(err)
		}
		// PARAM is get-or-set (§6.2): reply with a final get call on the
		// parameter, matching request_parameter's get-after-set semantics.
		params, err := zc.PollZCtrlParams()
		if err != nil {
			return replyFor(err)
		}
		return control.Reply{Code: control.Success, Params: params}
	default:
		return control.Reply{Code: control.CmdNotSupported, Message: string(req.Kind)}
	}
}

func replyFor(err error) control.Reply {
	if err == nil {
		return control.Reply{Code: control.Success}
	}
	if err == control.ErrNotSupported {
		return control.Reply{Code: control.CmdNotSupported, Message: err.Error()}
	}
	return control.Reply{Code: control.RepFailure, Message: err.Error()}
}
