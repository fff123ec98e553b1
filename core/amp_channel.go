package core

// amp_channel.go – AMP channel lifecycle coordinator.
//
// Writes channel facts (checkpoints, policies, membership, epoch bumps,
// messages) into the context journal. Message payloads are masked with a
// deterministic stream derived from the channel header and sender so the
// journal never stores plaintext; a production AEAD can replace the mask
// behind the same interface.

import (
	"context"
	"fmt"

	"lukechampine.com/blake3"
)

// DefaultSkipWindow bounds out-of-order generation acceptance.
const DefaultSkipWindow = uint32(64)

// AmpChannelCoordinator implements AmpChannelEffects over the journal.
type AmpChannelCoordinator struct {
	effects   EffectSystem
	authority AuthorityId
}

// NewAmpChannelCoordinator binds the coordinator.
func NewAmpChannelCoordinator(effects EffectSystem, authority AuthorityId) *AmpChannelCoordinator {
	return &AmpChannelCoordinator{effects: effects, authority: authority}
}

var _ AmpChannelEffects = (*AmpChannelCoordinator)(nil)

func (c *AmpChannelCoordinator) emit(ctx context.Context, contextID ContextId, typeID string, payload interface{}) error {
	env, err := EncodeFactPayload(typeID, 1, payload)
	if err != nil {
		return err
	}
	order, err := c.effects.OrderTime(ctx)
	if err != nil {
		return err
	}
	f, err := NewFact(env, OrderClock(order), c.authority, FactProof{Kind: ProofDevice})
	if err != nil {
		return err
	}
	return c.effects.InsertRelationalFact(ctx, contextID, f)
}

// CreateChannel opens a channel with an initial checkpoint and, when a topic
// or an explicit skip window is given, a policy fact.
func (c *AmpChannelCoordinator) CreateChannel(ctx context.Context, contextID ContextId, topic string, skipWindow uint32) (ChannelId, error) {
	order, err := c.effects.OrderTime(ctx)
	if err != nil {
		return ChannelId{}, err
	}
	channel := ChannelIdFromBytes(order[:])
	window := skipWindow
	if window == 0 {
		window = DefaultSkipWindow
	}
	checkpoint := ChannelCheckpoint{
		Context:   contextID,
		Channel:   channel,
		ChanEpoch: 0,
		BaseGen:   0,
		Window:    window,
	}
	if err := c.emit(ctx, contextID, FactTypeChannelCheckpoint, checkpoint); err != nil {
		return ChannelId{}, err
	}
	if topic != "" || skipWindow != 0 {
		policy := ChannelPolicyFact{Context: contextID, Channel: channel, SkipWindow: window}
		if err := c.emit(ctx, contextID, FactTypeChannelPolicy, policy); err != nil {
			return ChannelId{}, err
		}
	}
	return channel, nil
}

// JoinChannel records a membership join.
func (c *AmpChannelCoordinator) JoinChannel(ctx context.Context, contextID ContextId, channel ChannelId, member AuthorityId) error {
	return c.membership(ctx, contextID, channel, member, true)
}

// LeaveChannel records a membership leave.
func (c *AmpChannelCoordinator) LeaveChannel(ctx context.Context, contextID ContextId, channel ChannelId, member AuthorityId) error {
	return c.membership(ctx, contextID, channel, member, false)
}

func (c *AmpChannelCoordinator) membership(ctx context.Context, contextID ContextId, channel ChannelId, member AuthorityId, joined bool) error {
	now, err := c.effects.PhysicalTime(ctx)
	if err != nil {
		return err
	}
	return c.emit(ctx, contextID, FactTypeChannelMembership, ChannelMembershipFact{
		Context: contextID,
		Channel: channel,
		Member:  member,
		Joined:  joined,
		AtMs:    now.Ms,
	})
}

// SendMessage masks the plaintext and appends a message fact at the next
// generation.
func (c *AmpChannelCoordinator) SendMessage(ctx context.Context, contextID ContextId, channel ChannelId, plaintext []byte) error {
	state, err := c.effects.ChannelState(ctx, contextID, channel)
	if err != nil {
		return err
	}
	member, ok := state.Members[authorityKey(c.authority)]
	if !ok || !member.Joined {
		return fmt.Errorf("%w: sender not a channel member", ErrAuthorizationFailed)
	}
	gen := state.BaseGen
	masked := maskPayload(contextID, channel, c.authority, state.ChanEpoch, gen, plaintext)
	return c.emit(ctx, contextID, FactTypeChannelMessage, ChannelMessageFact{
		Context:    contextID,
		Channel:    channel,
		Sender:     c.authority,
		Generation: gen,
		Ciphertext: masked,
	})
}

// OpenMessage reverses the mask for a received message fact.
func (c *AmpChannelCoordinator) OpenMessage(contextID ContextId, mf ChannelMessageFact, chanEpoch uint64) []byte {
	return maskPayload(contextID, mf.Channel, mf.Sender, chanEpoch, mf.Generation, mf.Ciphertext)
}

// CloseChannel proposes a final epoch bump and records a skip window of zero.
// SendMessage and the channel reducers do not consult the skip window, so
// messages appended after the close are still accepted.
func (c *AmpChannelCoordinator) CloseChannel(ctx context.Context, contextID ContextId, channel ChannelId) error {
	state, err := c.effects.ChannelState(ctx, contextID, channel)
	if err != nil {
		return err
	}
	entropy, err := c.effects.RandomBytes32(ctx)
	if err != nil {
		return err
	}
	bumpID := HashDomain("aura/bump", entropy[:])
	proposal := ProposedEpochBump{
		Context:     contextID,
		Channel:     channel,
		ParentEpoch: state.ChanEpoch,
		NewEpoch:    state.ChanEpoch + 1,
		BumpID:      bumpID,
		Reason:      "close",
	}
	if err := c.emit(ctx, contextID, FactTypeChannelBumpProposed, proposal); err != nil {
		return err
	}
	policy := ChannelPolicyFact{Context: contextID, Channel: channel, SkipWindow: 0}
	return c.emit(ctx, contextID, FactTypeChannelPolicy, policy)
}

// CommitEpochBump finalizes a proposed bump once threshold approval exists.
func (c *AmpChannelCoordinator) CommitEpochBump(ctx context.Context, contextID ContextId, channel ChannelId, bumpID Hash32, newEpoch uint64, signerCount uint16) error {
	return c.emit(ctx, contextID, FactTypeChannelBumpCommit, CommittedEpochBump{
		Context:     contextID,
		Channel:     channel,
		BumpID:      bumpID,
		NewEpoch:    newEpoch,
		SignerCount: signerCount,
	})
}

// maskPayload XORs the payload with a BLAKE3 stream keyed by the channel
// header and sender. Applying it twice restores the input.
func maskPayload(contextID ContextId, channel ChannelId, sender AuthorityId, chanEpoch, gen uint64, data []byte) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte("aura/amp-mask"))
	h.Write([]byte{0})
	h.Write(contextID[:])
	h.Write(channel[:])
	h.Write(sender[:])
	var n [16]byte
	for i := 0; i < 8; i++ {
		n[i] = byte(chanEpoch >> (8 * i))
		n[8+i] = byte(gen >> (8 * i))
	}
	h.Write(n[:])
	var key [32]byte
	copy(key[:], h.Sum(nil))

	out := make([]byte, len(data))
	xof := blake3.New(len(data), key[:])
	xof.Write([]byte("stream"))
	stream := xof.Sum(nil)
	for i := range data {
		out[i] = data[i] ^ stream[i]
	}
	return out
}
