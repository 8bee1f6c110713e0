// Package model defines the data types that cross process boundaries on the
// pub/sub fabric and the control protocol.
package model

import "time"

// Point2d is a coordinate in the sample plane, expressed in the unit carried
// alongside it (see ROI.Units).
type Point2d struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size2d is a width/height pair in the sample plane.
type Size2d struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ROI describes a region of interest: a top-left point and a size, both in
// physical units named by Units.
type ROI struct {
	TopLeft Point2d `json:"top_left"`
	Size    Size2d  `json:"size"`
	Units   string  `json:"units"`
}

// Shape is the pixel resolution of a scan.
type Shape struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ScanState is the device-visible scan lifecycle state (§3, §4.7).
type ScanState int

const (
	ScanStateFree ScanState = iota
	ScanStateMoving
	ScanStateScanning
	ScanStateInterrupted
)

func (s ScanState) String() string {
	switch s {
	case ScanStateFree:
		return "FREE"
	case ScanStateMoving:
		return "MOVING"
	case ScanStateScanning:
		return "SCANNING"
	case ScanStateInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// ControlMode is the global control mode (§3).
type ControlMode int

const (
	ControlModeManual ControlMode = iota
	ControlModeAutomated
	ControlModeProblem
)

func (m ControlMode) String() string {
	switch m {
	case ControlModeManual:
		return "MANUAL"
	case ControlModeAutomated:
		return "AUTOMATED"
	case ControlModeProblem:
		return "PROBLEM"
	default:
		return "UNKNOWN"
	}
}

// ExperimentProblem enumerates the recognised problem kinds (§3). Additional
// values are free-form strings so a driver can report a problem this module
// does not otherwise know about.
type ExperimentProblem string

const (
	ProblemTipShapeChanged ExperimentProblem = "TIP_SHAPE_CHANGED"
	ProblemTipDamaged      ExperimentProblem = "TIP_DAMAGED"
	ProblemDeviceFault     ExperimentProblem = "DEVICE_FAULT"
)

// ControlLease is the exclusive right to command the device. A nil *ControlLease
// means no lease is currently held.
type ControlLease struct {
	HolderID    string      `json:"holder_id"`
	GrantedMode ControlMode `json:"granted_mode"`
}

// ControlState is the authoritative Router state, broadcast on the publish
// fabric whenever mode, lease, or problem set changes (§4.5).
type ControlState struct {
	Mode     ControlMode         `json:"mode"`
	Lease    *ControlLease       `json:"lease,omitempty"`
	Problems []ExperimentProblem `json:"problems"`
}

// Message is implemented by every value that can be carried on the pub/sub
// fabric. EnvelopeType names the concrete Go type for envelope derivation,
// independent of how that type is later serialised.
type Message interface {
	EnvelopeType() string
}

// ScanParameters2d is the request form of a scan: everything about a Scan2d
// except the sample values (§3).
type ScanParameters2d struct {
	ROI       ROI       `json:"roi"`
	Shape     Shape     `json:"shape"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Units     string    `json:"units"`
}

// EnvelopeType implements Message.
func (ScanParameters2d) EnvelopeType() string { return "ScanParameters2d" }

// Equal reports structural equality of two parameter sets, ignoring Timestamp
// since parameters may be resent with only the clock advanced.
func (p ScanParameters2d) Equal(other ScanParameters2d) bool {
	return p.ROI == other.ROI && p.Shape == other.Shape &&
		p.Channel == other.Channel && p.Units == other.Units
}

// Scan2d is an immutable scan result (§3): spatial ROI, pixel shape, sample
// values in row-major order, channel name, timestamp, and data units.
type Scan2d struct {
	ROI       ROI       `json:"roi"`
	Shape     Shape     `json:"shape"`
	Values    []float64 `json:"values"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Units     string    `json:"units"`
}

// EnvelopeType implements Message.
func (Scan2d) EnvelopeType() string { return "Scan2d" }

// Params strips the sample values, yielding the request form of this scan.
func (s Scan2d) Params() ScanParameters2d {
	return ScanParameters2d{
		ROI:       s.ROI,
		Shape:     s.Shape,
		Channel:   s.Channel,
		Timestamp: s.Timestamp,
		Units:     s.Units,
	}
}

// ScanStateMessage carries a ScanState transition on the pub/sub fabric.
type ScanStateMessage struct {
	State ScanState `json:"state"`
}

// EnvelopeType implements Message.
func (ScanStateMessage) EnvelopeType() string { return "ScanState" }

// EnvelopeType implements Message for ControlState.
func (ControlState) EnvelopeType() string { return "ControlState" }

// HeartbeatMessage is published periodically by every component (§4.8).
type HeartbeatMessage struct {
	ComponentID string    `json:"component_id"`
	SentAt      time.Time `json:"sent_at"`
}

// EnvelopeType implements Message.
func (HeartbeatMessage) EnvelopeType() string { return "Heartbeat" }

// KillMessage is broadcast to terminate every component in the fabric
// (END_EXPERIMENT, §4.5).
type KillMessage struct {
	Reason string `json:"reason"`
}

// EnvelopeType implements Message.
func (KillMessage) EnvelopeType() string { return "KILL" }
