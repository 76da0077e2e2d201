package protocol

import "testing"

func TestFSMMainChain(t *testing.T) {
	chain := []FSMState{StateCreated, StateSent, StateDelivered, StateRead}
	for i := 0; i < len(chain)-1; i++ {
		if !CanTransition(chain[i], chain[i+1]) {
			t.Errorf("%v -> %v should be allowed", chain[i], chain[i+1])
		}
	}
	if CanTransition(StateCreated, StateRead) {
		t.Error("created -> read skipped sent")
	}
	if CanTransition(StateDelivered, StateSent) {
		t.Error("backward transition allowed")
	}
}

func TestFSMTerminal(t *testing.T) {
	for _, terminal := range []FSMState{StateRecalled, StateDeletedHard} {
		for _, to := range []FSMState{StateSent, StateDelivered, StateRead, StateEdited, StateRecalled} {
			if CanTransition(terminal, to) {
				t.Errorf("terminal %v -> %v allowed", terminal, to)
			}
		}
	}
}

func TestFSMEditReentrant(t *testing.T) {
	if !CanTransition(StateEdited, StateEdited) {
		t.Error("edit must be re-enterable (idempotent by version)")
	}
	if !CanTransition(StateRead, StateEdited) {
		t.Error("read message must stay editable")
	}
	if CanTransition(StateCreated, StateEdited) {
		t.Error("cannot edit before commit")
	}
}

func TestOpKindRules(t *testing.T) {
	cases := []struct {
		kind       OpKind
		senderOnly bool
		state      FSMState
	}{
		{OpEdit, true, StateEdited},
		{OpRecall, true, StateRecalled},
		{OpRead, false, StateRead},
		{OpDeleteSoft, false, StateDeletedSoft},
		{OpDeleteHard, true, StateDeletedHard},
	}
	for _, c := range cases {
		if c.kind.SenderOnly() != c.senderOnly {
			t.Errorf("%s: senderOnly=%v", c.kind, !c.senderOnly)
		}
		st, ok := c.kind.TargetState()
		if !ok || st != c.state {
			t.Errorf("%s: target state %v ok=%v", c.kind, st, ok)
		}
	}
	if _, ok := OpReactionAdd.TargetState(); ok {
		t.Error("reactions do not move the FSM")
	}
}
