package core

import "testing"

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

func addLeafOp(epoch Epoch, parent Hash32, leafID LeafId, under NodeIndex, signers uint16) AttestedOp {
	var device DeviceId
	device[0] = byte(leafID)
	return AttestedOp{
		Op: TreeOp{
			ParentEpoch:      epoch,
			ParentCommitment: parent,
			Kind:             OpAddLeaf,
			Version:          1,
			Leaf: &LeafNode{
				LeafID:    leafID,
				DeviceID:  device,
				Role:      RoleDevice,
				PublicKey: []byte{1, 2, 3},
			},
			Under: under,
		},
		SignerCount: signers,
	}
}

// ------------------------------------------------------------
// P3: parent binding
// ------------------------------------------------------------

func TestParentBindingRejected(t *testing.T) {
	st := NewTreeState()
	stale := addLeafOp(3, Hash32{0xff}, 1, 0, 1)
	if _, err := st.Apply(stale); err == nil {
		t.Fatalf("stale parent binding accepted")
	}
	epoch, base := st.ParentBinding()
	good := addLeafOp(epoch, base, 1, 0, 1)
	if _, err := st.Apply(good); err != nil {
		t.Fatalf("valid op rejected: %v", err)
	}
}

// ------------------------------------------------------------
// P4: policy monotonicity
// ------------------------------------------------------------

func TestPolicyMonotonicity(t *testing.T) {
	tests := []struct {
		name string
		old  Policy
		new  Policy
		ok   bool
	}{
		{"AnyToThreshold", AnyPolicy(), ThresholdPolicy(2, 3), true},
		{"ThresholdToAll", ThresholdPolicy(2, 3), AllPolicy(), true},
		{"ThresholdTighter", ThresholdPolicy(2, 3), ThresholdPolicy(3, 3), true},
		{"ThresholdLooser", ThresholdPolicy(3, 3), ThresholdPolicy(2, 3), false},
		{"AllToAny", AllPolicy(), AnyPolicy(), false},
		{"AllToFullThreshold", AllPolicy(), ThresholdPolicy(3, 3), true},
		{"Same", ThresholdPolicy(2, 3), ThresholdPolicy(2, 3), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.new.MoreRestrictiveOrEqual(tc.old); got != tc.ok {
				t.Fatalf("got %v want %v", got, tc.ok)
			}
		})
	}
}

func TestChangePolicyEnforced(t *testing.T) {
	st := NewTreeState()
	epoch, base := st.ParentBinding()
	if _, err := st.Apply(addLeafOp(epoch, base, 1, 0, 1)); err != nil {
		t.Fatalf("seed leaf: %v", err)
	}
	tighten := ThresholdPolicy(1, 1)
	op := AttestedOp{
		Op:          TreeOp{ParentEpoch: epoch, ParentCommitment: base, Kind: OpChangePolicy, Version: 1, Node: 0, Policy: &tighten},
		SignerCount: 1,
	}
	if _, err := st.Apply(op); err != nil {
		t.Fatalf("tighten rejected: %v", err)
	}
	loosen := AnyPolicy()
	op2 := AttestedOp{
		Op:          TreeOp{ParentEpoch: epoch, ParentCommitment: base, Kind: OpChangePolicy, Version: 1, Node: 0, Policy: &loosen},
		SignerCount: 1,
	}
	if _, err := st.Apply(op2); err == nil {
		t.Fatalf("loosening accepted")
	}
}

// ------------------------------------------------------------
// S4: concurrent tree ops reduce order-independently
// ------------------------------------------------------------

func TestConcurrentAddLeafConfluence(t *testing.T) {
	genesis := NewTreeState()
	epoch, base := genesis.ParentBinding()
	op1 := addLeafOp(epoch, base, 1, 0, 1)
	op2 := addLeafOp(epoch, base, 2, 0, 1)

	fwd := ReduceTree([]AttestedOp{op1, op2}, nil)
	rev := ReduceTree([]AttestedOp{op2, op1}, nil)

	if fwd.Epoch != rev.Epoch {
		t.Fatalf("epochs differ")
	}
	if fwd.RootCommitment() != rev.RootCommitment() {
		t.Fatalf("root commitments differ by insertion order")
	}
	if len(fwd.Leaves) != 2 {
		t.Fatalf("leaves=%d want 2", len(fwd.Leaves))
	}
}

// ------------------------------------------------------------
// Epoch rotation
// ------------------------------------------------------------

func TestRotateEpochAdvancesBinding(t *testing.T) {
	st := NewTreeState()
	epoch, base := st.ParentBinding()
	if _, err := st.Apply(addLeafOp(epoch, base, 1, 0, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rot := AttestedOp{
		Op:          TreeOp{ParentEpoch: epoch, ParentCommitment: base, Kind: OpRotateEpoch, Version: 1},
		SignerCount: 1,
	}
	rotated, err := st.Apply(rot)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !rotated {
		t.Fatalf("rotation not reported")
	}
	newEpoch, newBase := st.ParentBinding()
	if newEpoch != epoch+1 {
		t.Fatalf("epoch=%d want %d", newEpoch, epoch+1)
	}
	if newBase == base {
		t.Fatalf("base commitment unchanged after rotation")
	}
	// Ops bound to the old epoch no longer apply.
	if _, err := st.Apply(addLeafOp(epoch, base, 2, 0, 1)); err == nil {
		t.Fatalf("old-epoch op accepted after rotation")
	}
}

func TestSignerThresholdEnforced(t *testing.T) {
	st := NewTreeState()
	epoch, base := st.ParentBinding()
	if _, err := st.Apply(addLeafOp(epoch, base, 1, 0, 1)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pol := ThresholdPolicy(2, 3)
	chg := AttestedOp{
		Op:          TreeOp{ParentEpoch: epoch, ParentCommitment: base, Kind: OpChangePolicy, Version: 1, Node: 0, Policy: &pol},
		SignerCount: 1,
	}
	if _, err := st.Apply(chg); err != nil {
		t.Fatalf("policy change: %v", err)
	}
	// One signer can no longer add under node 0.
	if _, err := st.Apply(addLeafOp(epoch, base, 2, 0, 1)); err == nil {
		t.Fatalf("below-threshold op accepted")
	}
	if _, err := st.Apply(addLeafOp(epoch, base, 2, 0, 2)); err != nil {
		t.Fatalf("at-threshold op rejected: %v", err)
	}
}
