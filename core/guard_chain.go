package core

// guard_chain.go – the sole entry point for intent execution.
//
// The pipeline short-circuits on the first failure: capability verification,
// then flow-budget check-and-charge, then command execution. A denial at any
// stage means no command executes; charge-before-send is enforced because
// the budget debit happens before the interpreter sees the first command.

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GuardRequest is an externally originated intent plus its execution cost.
type GuardRequest struct {
	Authority       AuthorityId
	Operation       string
	Cost            uint64
	Context         *ContextId
	Peer            *DeviceId
	RawContextBytes []byte
	Token           *CapabilityToken
}

// GuardResult reports the outcome of a guarded request.
type GuardResult struct {
	Authorized      bool
	FlowConsumed    uint64
	DelegationDepth int
	Receipt         *Receipt
	Results         []EffectResult
	DenyKind        error
}

// GuardChain authorizes requests and executes their effect commands.
type GuardChain struct {
	issuerKeys  map[AuthorityId]ed25519.PublicKey
	ledger      *FlowLedger
	interpreter EffectInterpreter
	clock       func() uint64
}

// NewGuardChain assembles the pipeline.
func NewGuardChain(issuerKeys map[AuthorityId]ed25519.PublicKey, ledger *FlowLedger, interp EffectInterpreter, clock func() uint64) *GuardChain {
	return &GuardChain{issuerKeys: issuerKeys, ledger: ledger, interpreter: interp, clock: clock}
}

// RegisterIssuer adds an authority's verification key.
func (g *GuardChain) RegisterIssuer(a AuthorityId, pub ed25519.PublicKey) {
	g.issuerKeys[a] = pub
}

// Execute runs the guard pipeline over the request and its commands.
func (g *GuardChain) Execute(ctx context.Context, req GuardRequest, commands []EffectCommand) GuardResult {
	// Stage 1: capability verification. The deepest implied capability set
	// is the meet over the delegation chain.
	issuerPub, ok := g.issuerKeys[req.Authority]
	if !ok {
		return deny(fmt.Errorf("%w: unknown authority %s", ErrAuthorizationFailed, req.Authority))
	}
	if req.Token == nil {
		return deny(fmt.Errorf("%w: no capability token", ErrAuthorizationFailed))
	}
	caps, depth, err := req.Token.Verify(issuerPub, g.clock(), req.Operation)
	if err != nil {
		return deny(err)
	}
	if !caps.Has(CapProtocolExecute) && !caps.Has(CapAdmin) {
		return deny(fmt.Errorf("%w: effective caps %s lack protocol-execute", ErrAuthorizationFailed, caps))
	}

	// Stage 2: flow-budget check-and-charge. The receipt is the proof of
	// charge; denial here means nothing was debited and nothing executes.
	var receipt *Receipt
	var consumed uint64
	if req.Cost > 0 {
		if req.Context == nil || req.Peer == nil {
			return deny(fmt.Errorf("%w: costed request without context/peer", ErrInvalid))
		}
		r, err := g.ledger.Charge(*req.Context, *req.Peer, req.Cost)
		if err != nil {
			return deny(err)
		}
		receipt = &r
		consumed = req.Cost
	}

	// Stage 3: command execution in order. A non-idempotent failure stops
	// later commands; earlier successes are not rolled back.
	results := make([]EffectResult, 0, len(commands))
	for _, cmd := range commands {
		if cmd.Kind == CmdSendEnvelope && receipt != nil && cmd.Envelope.Receipt == nil {
			cmd.Envelope.Receipt = receipt
		}
		res, err := g.interpreter.Execute(ctx, cmd)
		results = append(results, res)
		if err != nil {
			logrus.Warnf("guard: command %d failed, halting remainder: %v", cmd.Kind, err)
			return GuardResult{
				Authorized:      true,
				FlowConsumed:    consumed,
				DelegationDepth: depth,
				Receipt:         receipt,
				Results:         results,
				DenyKind:        err,
			}
		}
	}
	return GuardResult{
		Authorized:      true,
		FlowConsumed:    consumed,
		DelegationDepth: depth,
		Receipt:         receipt,
		Results:         results,
	}
}

func deny(err error) GuardResult {
	return GuardResult{Authorized: false, DenyKind: err}
}
