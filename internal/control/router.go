package control

import (
	"sync"
	"time"

	"spmfabric/internal/logging"
	"spmfabric/internal/model"
)

// Publisher is the minimal surface Router needs to broadcast ControlState
// changes on the pub/sub fabric (§4.5 last paragraph).
type Publisher interface {
	Send(msg model.Message) error
}

// heldLease tracks liveness alongside the public ControlLease so stale
// leases can be revoked on heartbeat timeout (§4.8).
type heldLease struct {
	lease      model.ControlLease
	lastSeenAt time.Time
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// AdminIdentities lists caller identities allowed to issue
	// SET_CONTROL_MODE and END_EXPERIMENT.
	AdminIdentities []string
	// HeartbeatTimeout is the "2 x hb_period" past which a lease holder is
	// considered dead (§4.8). Zero disables the check.
	HeartbeatTimeout time.Duration
	// Publisher broadcasts ControlState after every state change. May be nil
	// in tests that only exercise decision logic.
	Publisher Publisher
	Log       *logging.Logger
}

// DeviceHandler dispatches a scan/parameter request to the device controller
// and returns its reply. The Router calls this only after confirming the
// caller holds the lease and the request passed the scan-safe allow-list
// check (that check itself happens in the device controller, §4.7 point 1,
// since only it knows live scan_state).
type DeviceHandler interface {
	Handle(req Request) Reply
}

// Router is the exclusive owner of mode/lease/problem_set (§4.5). All
// decisions are made under a single mutex; there is no shared-memory
// concurrency beyond that lock, matching §5's single-decision-point model.
type Router struct {
	mu sync.Mutex

	mode     model.ControlMode
	lease    *heldLease
	problems map[model.ExperimentProblem]bool
	pinned   bool // true once an admin SET_CONTROL_MODE pins mode==PROBLEM
	priorMode model.ControlMode

	admins  map[string]bool
	hbTimeout time.Duration
	publisher Publisher
	log       *logging.Logger

	device DeviceHandler
}

// NewRouter constructs a Router in ControlModeManual with no lease and an
// empty problem set.
func NewRouter(cfg RouterConfig, device DeviceHandler) *Router {
	admins := make(map[string]bool, len(cfg.AdminIdentities))
	for _, id := range cfg.AdminIdentities {
		admins[id] = true
	}
	log := cfg.Log
	if log == nil {
		log = logging.L()
	}
	return &Router{
		mode:      model.ControlModeManual,
		problems:  make(map[model.ExperimentProblem]bool),
		admins:    admins,
		hbTimeout: cfg.HeartbeatTimeout,
		publisher: cfg.Publisher,
		log:       log,
		device:    device,
	}
}

// Touch records that identity is alive, used to recognise a reconnecting
// lease holder (§4.6) and to reset its heartbeat clock.
func (r *Router) Touch(identity string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease != nil && r.lease.lease.HolderID == identity {
		r.lease.lastSeenAt = at
	}
}

// ExpireStaleLease revokes the current lease if its holder has not been
// seen within the configured heartbeat timeout (§4.8: "the Router uses this
// to revoke stale leases"). Callers invoke this periodically (e.g. from the
// same loop that times out heartbeat subscriptions).
func (r *Router) ExpireStaleLease(now time.Time) {
	if r.hbTimeout <= 0 {
		return
	}
	r.mu.Lock()
	expired := r.lease != nil && now.Sub(r.lease.lastSeenAt) > r.hbTimeout
	if expired {
		r.lease = nil
	}
	state := r.snapshotLocked()
	r.mu.Unlock()
	if expired {
		r.publish(state)
	}
}

// Handle applies one Request under the Router's decision table (§4.5) and
// returns the deterministic reply. Side effects (lease/mode/problem_set
// mutation, ControlState publication) only occur once the precondition for
// the request kind has been confirmed.
func (r *Router) Handle(req Request) Reply {
	switch req.Kind {
	case RequestCtrl:
		return r.handleRequestCtrl(req)
	case ReleaseCtrl:
		return r.handleReleaseCtrl(req)
	case SetControlMode:
		return r.handleSetControlMode(req)
	case AddExpPrblm:
		return r.handleAddProblem(req)
	case RmvExpPrblm:
		return r.handleRmvProblem(req)
	case EndExperiment:
		return r.handleEndExperiment(req)
	case StartScan, StopScan, SetScanParams, Param:
		return r.handleDeviceRequest(req)
	default:
		return Reply{Code: CmdNotSupported, Message: string(req.Kind)}
	}
}

func (r *Router) handleRequestCtrl(req Request) Reply {
	r.mu.Lock()
	switch {
	case r.lease != nil && r.lease.lease.HolderID == req.Identity:
		// A returning client whose lease was never revoked re-confirms it
		// rather than being told ALREADY_UNDER_CONTROL (§4.6: "a client
		// whose identity matches a previously-disconnected client's lease
		// reconnects without being required to re-issue REQUEST_CTRL" — this
		// extends that tolerance to a client that simply re-sends).
		r.lease.lease.GrantedMode = req.Mode
		r.lease.lastSeenAt = time.Now()
	case r.lease != nil:
		r.mu.Unlock()
		return Reply{Code: AlreadyUnderControl}
	case r.mode != req.Mode:
		r.mu.Unlock()
		return Reply{Code: WrongMode}
	default:
		r.lease = &heldLease{
			lease:      model.ControlLease{HolderID: req.Identity, GrantedMode: req.Mode},
			lastSeenAt: time.Now(),
		}
	}
	state := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(state)
	return Reply{Code: Success, State: state}
}

func (r *Router) handleReleaseCtrl(req Request) Reply {
	r.mu.Lock()
	if r.lease == nil || r.lease.lease.HolderID != req.Identity {
		r.mu.Unlock()
		return Reply{Code: NotInControl}
	}
	r.lease = nil
	state := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(state)
	return Reply{Code: Success, State: state}
}

func (r *Router) handleSetControlMode(req Request) Reply {
	if !r.admins[req.Identity] {
		return Reply{Code: NotInControl, Message: "caller is not an administrator"}
	}
	r.mu.Lock()
	if r.lease != nil && r.lease.lease.GrantedMode != req.Mode {
		r.lease = nil
	}
	r.mode = req.Mode
	r.pinned = r.mode == model.ControlModeProblem
	state := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(state)
	return Reply{Code: Success, State: state}
}

func (r *Router) handleAddProblem(req Request) Reply {
	r.mu.Lock()
	first := len(r.problems) == 0
	r.problems[req.Problem] = true
	if first {
		r.priorMode = r.mode
		r.mode = model.ControlModeProblem
		if r.lease != nil && r.lease.lease.GrantedMode != model.ControlModeProblem {
			r.lease = nil
		}
	}
	state := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(state)
	return Reply{Code: Success, State: state}
}

func (r *Router) handleRmvProblem(req Request) Reply {
	r.mu.Lock()
	delete(r.problems, req.Problem)
	if len(r.problems) == 0 && r.mode == model.ControlModeProblem && !r.pinned {
		r.mode = r.priorMode
	}
	state := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(state)
	return Reply{Code: Success, State: state}
}

func (r *Router) handleEndExperiment(req Request) Reply {
	if !r.admins[req.Identity] {
		return Reply{Code: NotInControl, Message: "caller is not an administrator"}
	}
	if r.publisher != nil {
		_ = r.publisher.Send(model.KillMessage{Reason: "END_EXPERIMENT"})
	}
	return Reply{Code: Success}
}

func (r *Router) handleDeviceRequest(req Request) Reply {
	r.mu.Lock()
	holds := r.lease != nil && r.lease.lease.HolderID == req.Identity
	r.mu.Unlock()
	if !holds {
		return Reply{Code: NotInControl}
	}
	if r.device == nil {
		return Reply{Code: CmdNotSupported, Message: string(req.Kind)}
	}
	return r.device.Handle(req)
}

func (r *Router) snapshotLocked() model.ControlState {
	problems := make([]model.ExperimentProblem, 0, len(r.problems))
	for p := range r.problems {
		problems = append(problems, p)
	}
	var lease *model.ControlLease
	if r.lease != nil {
		l := r.lease.lease
		lease = &l
	}
	return model.ControlState{Mode: r.mode, Lease: lease, Problems: problems}
}

// Snapshot returns the current authoritative ControlState.
func (r *Router) Snapshot() model.ControlState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Router) publish(state model.ControlState) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Send(state); err != nil {
		r.log.Warn("failed to publish control state", logging.Error(err))
	}
}
