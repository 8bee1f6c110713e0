// Package control implements the lease-based request/reply protocol of
// §4.5-§4.6: a Router deciding admission against the global ControlState, a
// Server exposing that Router over the wire, and a Lazy-Pirate Client that
// retries and reconnects under a stable identity.
package control

import (
	"errors"
	"fmt"
	"time"

	"spmfabric/internal/model"
)

// nowFunc is overridable in tests that need deterministic heartbeat timing.
var nowFunc = time.Now

// ResponseCode enumerates the Router's mutually-exclusive reply codes
// (§4.5). SUCCESS carries no further detail; every error code names exactly
// one precondition failure.
type ResponseCode string

const (
	Success             ResponseCode = "SUCCESS"
	NotInControl        ResponseCode = "NOT_IN_CONTROL"
	WrongMode           ResponseCode = "WRONG_MODE"
	AlreadyUnderControl ResponseCode = "ALREADY_UNDER_CONTROL"
	PerformingScan      ResponseCode = "PERFORMING_SCAN"
	CmdNotSupported     ResponseCode = "CMD_NOT_SUPPORTED"
	NoResponse          ResponseCode = "NO_RESPONSE"
	RepFailure          ResponseCode = "REP_FAILURE"
)

// RequestKind names one of the request variants the Router accepts (§4.5
// table). The wire encoding of a Request carries exactly one RequestKind and
// the fields relevant to it; unused fields are left zero.
type RequestKind string

const (
	RequestCtrl    RequestKind = "REQUEST_CTRL"
	ReleaseCtrl    RequestKind = "RELEASE_CTRL"
	SetControlMode RequestKind = "SET_CONTROL_MODE"
	AddExpPrblm    RequestKind = "ADD_EXP_PRBLM"
	RmvExpPrblm    RequestKind = "RMV_EXP_PRBLM"
	StartScan      RequestKind = "START_SCAN"
	StopScan       RequestKind = "STOP_SCAN"
	SetScanParams  RequestKind = "SET_SCAN_PARAMS"
	Param          RequestKind = "PARAM"
	EndExperiment  RequestKind = "END_EXPERIMENT"
)

// scanSafeAllowlist names the requests the device controller still honors
// while scan_state == SCANNING (§4.7 point 1). Everything else gets
// PERFORMING_SCAN back without touching device state.
var scanSafeAllowlist = map[RequestKind]bool{
	StopScan: true,
}

// IsScanSafe reports whether kind may be dispatched to the driver while a
// scan is in progress.
func IsScanSafe(kind RequestKind) bool {
	return scanSafeAllowlist[kind]
}

// Request is the tagged union sent from a Client to the Router, identified
// by a stable caller Identity (§4.6) so the Router can recognise a
// reconnecting lease holder.
type Request struct {
	Kind     RequestKind             `json:"kind"`
	Identity string                  `json:"identity"`
	Mode     model.ControlMode       `json:"mode,omitempty"`
	Problem  model.ExperimentProblem `json:"problem,omitempty"`
	Params   *model.ScanParameters2d `json:"params,omitempty"`
	ParamKey string                  `json:"param_key,omitempty"`
	ParamVal float64                 `json:"param_val,omitempty"`
}

// Reply is the Router's (or, for device-forwarded requests, the driver
// handler's) response to a Request. Params carries the getter-style payload
// frame PARAM requires (§6.2: "reply is a single frame [response_code] or,
// for getter-style operations (PARAM), [response_code][payload]").
type Reply struct {
	Code    ResponseCode       `json:"code"`
	Message string             `json:"message,omitempty"`
	State   model.ControlState `json:"state,omitempty"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// EnvelopeType implements model.Message so a Reply can travel over the same
// wire.Frame machinery as pub/sub payloads if a transport needs it. Request
// does not implement model.Message.
func (r Reply) EnvelopeType() string { return "ControlReply" }

// errFor maps a ResponseCode other than Success into an error, so callers
// that prefer Go error-handling idioms over code inspection can use it.
func errFor(code ResponseCode, message string) error {
	if code == Success {
		return nil
	}
	if message == "" {
		return fmt.Errorf("control: %s", code)
	}
	return fmt.Errorf("control: %s: %s", code, message)
}

// ErrNotSupported is returned by a Driver method when the concrete device
// does not implement that operation (§4.7 last paragraph).
var ErrNotSupported = errors.New("control: operation not supported by driver")
