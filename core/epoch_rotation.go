package core

// epoch_rotation.go – coordinated epoch advancement.
//
// The coordinator broadcasts a proposed new epoch after epoch.duration;
// participants sign the proposal; at threshold the epoch commits, budgets
// reset and every FROST cache flushes. Cached nonces from the old epoch are
// unusable by construction.

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EpochConfig mirrors the epoch.* configuration block.
type EpochConfig struct {
	Duration               time.Duration `mapstructure:"duration"`
	RotationThreshold      int           `mapstructure:"rotation_threshold"`
	SynchronizationTimeout time.Duration `mapstructure:"synchronization_timeout"`
}

// DefaultEpochConfig returns workable defaults.
func DefaultEpochConfig() EpochConfig {
	return EpochConfig{
		Duration:               10 * time.Minute,
		RotationThreshold:      2,
		SynchronizationTimeout: 30 * time.Second,
	}
}

// EpochProposal is the signed unit of a rotation round.
type EpochProposal struct {
	Account  AccountId `cbor:"1,keyasint"`
	NewEpoch Epoch     `cbor:"2,keyasint"`
	AtMs     uint64    `cbor:"3,keyasint"`
}

func (p EpochProposal) signingBytes() []byte {
	buf := make([]byte, 0, len("aura/epoch")+1+32+16)
	buf = append(buf, []byte("aura/epoch")...)
	buf = append(buf, 0)
	buf = append(buf, p.Account[:]...)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(p.NewEpoch))
	buf = append(buf, n[:]...)
	binary.BigEndian.PutUint64(n[:], p.AtMs)
	buf = append(buf, n[:]...)
	return buf
}

// EpochApproval is one participant's signature over a proposal.
type EpochApproval struct {
	Proposal EpochProposal `cbor:"1,keyasint"`
	Device   DeviceId      `cbor:"2,keyasint"`
	Sig      []byte        `cbor:"3,keyasint"`
}

// ApproveEpoch signs a rotation proposal with the device key.
func ApproveEpoch(p EpochProposal, device DeviceId, key ed25519.PrivateKey) EpochApproval {
	return EpochApproval{Proposal: p, Device: device, Sig: ed25519.Sign(key, p.signingBytes())}
}

// EpochRotator drives rotation for one account.
type EpochRotator struct {
	mu         sync.Mutex
	account    AccountId
	cfg        EpochConfig
	epoch      Epoch
	deviceKeys map[DeviceId]ed25519.PublicKey
	// onCommit runs under the rotator lock; registered flushers must not
	// call back into the rotator.
	onCommit []func(Epoch)
}

// NewEpochRotator creates a rotator at the given epoch.
func NewEpochRotator(account AccountId, cfg EpochConfig, epoch Epoch, deviceKeys map[DeviceId]ed25519.PublicKey) *EpochRotator {
	return &EpochRotator{account: account, cfg: cfg, epoch: epoch, deviceKeys: deviceKeys}
}

// Epoch returns the current committed epoch.
func (r *EpochRotator) Epoch() Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// OnCommit registers a flush hook (ceremony engine, flow ledger, budgets).
func (r *EpochRotator) OnCommit(fn func(Epoch)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCommit = append(r.onCommit, fn)
}

// Propose builds the next rotation proposal.
func (r *EpochRotator) Propose(nowMs uint64) EpochProposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EpochProposal{Account: r.account, NewEpoch: r.epoch + 1, AtMs: nowMs}
}

// Commit verifies the approvals and, at threshold, advances the epoch and
// runs the flush hooks.
func (r *EpochRotator) Commit(p EpochProposal, approvals []EpochApproval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.NewEpoch != r.epoch+1 {
		return fmt.Errorf("%w: proposal for %s, current %s", ErrInvalid, p.NewEpoch, r.epoch)
	}
	valid := 0
	seen := make(map[DeviceId]bool)
	for _, a := range approvals {
		if a.Proposal != p || seen[a.Device] {
			continue
		}
		pub, ok := r.deviceKeys[a.Device]
		if !ok {
			continue
		}
		if !ed25519.Verify(pub, p.signingBytes(), a.Sig) {
			logrus.Warnf("epoch rotation: bad approval from %s", a.Device)
			continue
		}
		seen[a.Device] = true
		valid++
	}
	if valid < r.cfg.RotationThreshold {
		return fmt.Errorf("%w: %d approvals, threshold %d", ErrAuthorizationFailed, valid, r.cfg.RotationThreshold)
	}
	r.epoch = p.NewEpoch
	for _, fn := range r.onCommit {
		fn(r.epoch)
	}
	logrus.Infof("epoch committed: %s (%d approvals)", r.epoch, valid)
	return nil
}

// RunPeriodic proposes a rotation every epoch.duration until ctx ends.
// approve asks the local participant set for signatures.
func (r *EpochRotator) RunPeriodic(ctx context.Context, nowMs func() uint64, approve func(EpochProposal) []EpochApproval) {
	ticker := time.NewTicker(r.cfg.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := r.Propose(nowMs())
			deadline := time.Now().Add(r.cfg.SynchronizationTimeout)
			approvals := approve(p)
			if time.Now().After(deadline) {
				logrus.Warnf("epoch rotation: approval collection overran %s", r.cfg.SynchronizationTimeout)
				continue
			}
			if err := r.Commit(p, approvals); err != nil {
				logrus.Warnf("epoch rotation: %v", err)
			}
		}
	}
}
