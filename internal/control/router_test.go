package control

import (
	"testing"

	"spmfabric/internal/model"
)

type recordingPublisher struct {
	sent []model.Message
}

func (r *recordingPublisher) Send(msg model.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

type fakeDevice struct {
	lastReq Request
	reply   Reply
}

func (f *fakeDevice) Handle(req Request) Reply {
	f.lastReq = req
	return f.reply
}

func newRouter(t *testing.T, device DeviceHandler) (*Router, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	r := NewRouter(RouterConfig{AdminIdentities: []string{"admin"}, Publisher: pub}, device)
	return r, pub
}

func TestRequestCtrlGrantsLeaseInMatchingMode(t *testing.T) {
	r, _ := newRouter(t, nil)
	reply := r.Handle(Request{Kind: RequestCtrl, Identity: "alice", Mode: model.ControlModeManual})
	if reply.Code != Success {
		t.Fatalf("expected SUCCESS, got %v", reply.Code)
	}
}

func TestRequestCtrlWrongModeRejected(t *testing.T) {
	r, _ := newRouter(t, nil)
	reply := r.Handle(Request{Kind: RequestCtrl, Identity: "alice", Mode: model.ControlModeAutomated})
	if reply.Code != WrongMode {
		t.Fatalf("expected WRONG_MODE, got %v", reply.Code)
	}
}

// TestLeaseExclusivity mirrors the spec's end-to-end lease exclusivity
// scenario: A grants, B is rejected, A releases, B grants.
func TestLeaseExclusivity(t *testing.T) {
	r, _ := newRouter(t, nil)

	if reply := r.Handle(Request{Kind: RequestCtrl, Identity: "A", Mode: model.ControlModeManual}); reply.Code != Success {
		t.Fatalf("A's REQUEST_CTRL should succeed, got %v", reply.Code)
	}
	if reply := r.Handle(Request{Kind: RequestCtrl, Identity: "B", Mode: model.ControlModeManual}); reply.Code != AlreadyUnderControl {
		t.Fatalf("B's REQUEST_CTRL should be rejected, got %v", reply.Code)
	}
	if reply := r.Handle(Request{Kind: ReleaseCtrl, Identity: "A"}); reply.Code != Success {
		t.Fatalf("A's RELEASE_CTRL should succeed, got %v", reply.Code)
	}
	if reply := r.Handle(Request{Kind: RequestCtrl, Identity: "B", Mode: model.ControlModeManual}); reply.Code != Success {
		t.Fatalf("B's re-REQUEST_CTRL should succeed, got %v", reply.Code)
	}
}

func TestReleaseCtrlByNonHolderRejected(t *testing.T) {
	r, _ := newRouter(t, nil)
	r.Handle(Request{Kind: RequestCtrl, Identity: "A", Mode: model.ControlModeManual})
	reply := r.Handle(Request{Kind: ReleaseCtrl, Identity: "B"})
	if reply.Code != NotInControl {
		t.Fatalf("expected NOT_IN_CONTROL, got %v", reply.Code)
	}
}

func TestSetControlModeRequiresAdmin(t *testing.T) {
	r, _ := newRouter(t, nil)
	reply := r.Handle(Request{Kind: SetControlMode, Identity: "not-admin", Mode: model.ControlModeAutomated})
	if reply.Code != NotInControl {
		t.Fatalf("expected NOT_IN_CONTROL for non-admin caller, got %v", reply.Code)
	}
	reply = r.Handle(Request{Kind: SetControlMode, Identity: "admin", Mode: model.ControlModeAutomated})
	if reply.Code != Success {
		t.Fatalf("expected SUCCESS for admin caller, got %v", reply.Code)
	}
	if r.Snapshot().Mode != model.ControlModeAutomated {
		t.Fatalf("expected mode AUTOMATED, got %v", r.Snapshot().Mode)
	}
}

// TestProblemDrivenModeTransition mirrors the spec's scenario 5: adding a
// problem revokes a non-PROBLEM lease and forces mode PROBLEM; removing the
// last problem restores the prior mode.
func TestProblemDrivenModeTransition(t *testing.T) {
	r, pub := newRouter(t, nil)
	r.Handle(Request{Kind: SetControlMode, Identity: "admin", Mode: model.ControlModeAutomated})
	r.Handle(Request{Kind: RequestCtrl, Identity: "A", Mode: model.ControlModeAutomated})

	reply := r.Handle(Request{Kind: AddExpPrblm, Identity: "anyone", Problem: model.ProblemTipShapeChanged})
	if reply.Code != Success {
		t.Fatalf("ADD_EXP_PRBLM should succeed, got %v", reply.Code)
	}
	state := r.Snapshot()
	if state.Mode != model.ControlModeProblem {
		t.Fatalf("expected mode PROBLEM, got %v", state.Mode)
	}
	if state.Lease != nil {
		t.Fatalf("expected lease to be revoked, got %+v", state.Lease)
	}

	reply = r.Handle(Request{Kind: RmvExpPrblm, Identity: "anyone", Problem: model.ProblemTipShapeChanged})
	if reply.Code != Success {
		t.Fatalf("RMV_EXP_PRBLM should succeed, got %v", reply.Code)
	}
	if r.Snapshot().Mode != model.ControlModeAutomated {
		t.Fatalf("expected mode restored to AUTOMATED, got %v", r.Snapshot().Mode)
	}

	if len(pub.sent) == 0 {
		t.Fatal("expected ControlState to be published on every state change")
	}
}

func TestSetControlModePinsProblemAgainstAutomaticRestore(t *testing.T) {
	r, _ := newRouter(t, nil)
	r.Handle(Request{Kind: AddExpPrblm, Identity: "anyone", Problem: model.ProblemTipDamaged})
	// Administrator explicitly pins PROBLEM mode.
	r.Handle(Request{Kind: SetControlMode, Identity: "admin", Mode: model.ControlModeProblem})
	r.Handle(Request{Kind: RmvExpPrblm, Identity: "anyone", Problem: model.ProblemTipDamaged})

	if r.Snapshot().Mode != model.ControlModeProblem {
		t.Fatalf("expected mode to remain pinned at PROBLEM, got %v", r.Snapshot().Mode)
	}
}

func TestDeviceRequestForwardedOnlyForLeaseHolder(t *testing.T) {
	dev := &fakeDevice{reply: Reply{Code: Success}}
	r, _ := newRouter(t, dev)
	r.Handle(Request{Kind: RequestCtrl, Identity: "A", Mode: model.ControlModeManual})

	reply := r.Handle(Request{Kind: StartScan, Identity: "B"})
	if reply.Code != NotInControl {
		t.Fatalf("expected NOT_IN_CONTROL for non-lease-holder, got %v", reply.Code)
	}

	reply = r.Handle(Request{Kind: StartScan, Identity: "A"})
	if reply.Code != Success {
		t.Fatalf("expected the device handler's reply to pass through, got %v", reply.Code)
	}
	if dev.lastReq.Kind != StartScan {
		t.Fatalf("expected device to observe START_SCAN, got %v", dev.lastReq.Kind)
	}
}

func TestEndExperimentBroadcastsKill(t *testing.T) {
	r, pub := newRouter(t, nil)
	reply := r.Handle(Request{Kind: EndExperiment, Identity: "admin"})
	if reply.Code != Success {
		t.Fatalf("expected SUCCESS, got %v", reply.Code)
	}
	found := false
	for _, msg := range pub.sent {
		if _, ok := msg.(model.KillMessage); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a KillMessage to be published")
	}
}
