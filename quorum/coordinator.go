// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package quorum runs the threshold group of a relay: distributed key
// generation and resharing ceremonies, and robust threshold signing, with
// every protocol message carried over the mix network.
package quorum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/state"
	"github.com/katzenpost/quorumnet/core/worker"
	"github.com/katzenpost/quorumnet/quorum/dkg"
	"github.com/katzenpost/quorumnet/quorum/membership"
	"github.com/katzenpost/quorumnet/quorum/roast"
)

const (
	groupBucket    = "quorum"
	groupKey       = "group"
	ceremonyBucket = "ceremonies"

	// DefaultSigningTimeout is the default time a signing coordinator is
	// given before the request moves on to the next one.
	DefaultSigningTimeout = 10 * time.Second

	// DefaultMaxConsecutiveCoordinator is the default number of
	// consecutive requests a coordinator serves before rotating.
	DefaultMaxConsecutiveCoordinator = 8

	defaultSigningAttempts = 3
	sendTimeout            = 30 * time.Second
	idleInterval           = time.Minute
)

// Transport carries quorum messages to another relay.
type Transport interface {
	Send(ctx context.Context, to sphinx.NodeID, payload []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, to sphinx.NodeID, payload []byte) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, to sphinx.NodeID, payload []byte) error {
	return f(ctx, to, payload)
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	CeremonyStarted   func(dkg.Kind)
	CeremonyCompleted func(dkg.Kind)
	CeremonyAborted   func(dkg.Kind)
	SignatureProduced func()
}

// Config is the Coordinator configuration.
type Config struct {
	Identity          sign.PrivateKey
	IdentityPublicKey sign.PublicKey
	Transport         Transport
	LogBackend        *log.Backend

	// Store persists the group key share and ceremony checkpoints, if not
	// nil.
	Store state.Store

	// Clock defaults to the wall clock.
	Clock epochtime.Clock

	// Threshold is the signing threshold for a group of any size.  When
	// zero, two thirds of the group plus one is used.
	Threshold int

	// RoundTimeout defaults to dkg.DefaultRoundTimeout.
	RoundTimeout time.Duration

	// SigningTimeout defaults to DefaultSigningTimeout.
	SigningTimeout time.Duration

	// MaxConsecutiveCoordinator defaults to
	// DefaultMaxConsecutiveCoordinator.
	MaxConsecutiveCoordinator int

	// Approve, if set, is consulted before contributing to a signature.
	Approve roast.ApproveFunc

	Hooks Hooks
}

type coordOp interface{}

type ceremonyReply struct {
	groupKey []byte
	err      error
}

type signReply struct {
	sig []byte
	err error
}

type opStartDKG struct {
	parties   []sphinx.NodeID
	threshold int
	resCh     chan ceremonyReply
}

type opReshare struct {
	oldSet []sphinx.NodeID
	newSet []sphinx.NodeID
	resCh  chan ceremonyReply
}

type opSign struct {
	msg      []byte
	deadline time.Time
	resCh    chan signReply
}

type opMessage struct {
	env *envelope
}

// Coordinator is the local node's participant in the threshold group.
// All protocol state is owned by a single goroutine.
type Coordinator struct {
	worker.Worker

	cfg   Config
	log   *logging.Logger
	clock epochtime.Clock
	self  sphinx.NodeID
	idKey []byte
	opCh  chan coordOp

	roundTimeout   time.Duration
	signingTimeout time.Duration
	maxConsecutive int

	groupLock sync.RWMutex
	group     *Group

	membership atomic.Pointer[membership.Set]

	// Owned by the worker.
	signer       *roast.Signer
	local        []*envelope
	ceremonies   map[dkg.CeremonyID]*ceremonyState
	finished     map[dkg.CeremonyID]bool
	early        map[dkg.CeremonyID][]*dkg.Message
	requests     map[RequestID]*pendingSign
	coordinating map[RequestID]*coordination
	seq          uint64
}

// New creates a Coordinator, restoring its key share and any interrupted
// ceremonies from the store.
func New(cfg *Config) (*Coordinator, error) {
	if cfg.Identity == nil || cfg.IdentityPublicKey == nil || cfg.Transport == nil || cfg.LogBackend == nil {
		return nil, errors.New("quorum: incomplete configuration")
	}
	idKey, err := cfg.IdentityPublicKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:            *cfg,
		log:            cfg.LogBackend.GetLogger("quorum"),
		clock:          cfg.Clock,
		self:           pki.IDFromIdentityKey(idKey),
		idKey:          idKey,
		opCh:           make(chan coordOp),
		roundTimeout:   cfg.RoundTimeout,
		signingTimeout: cfg.SigningTimeout,
		maxConsecutive: cfg.MaxConsecutiveCoordinator,
		ceremonies:     make(map[dkg.CeremonyID]*ceremonyState),
		finished:       make(map[dkg.CeremonyID]bool),
		early:          make(map[dkg.CeremonyID][]*dkg.Message),
		requests:       make(map[RequestID]*pendingSign),
		coordinating:   make(map[RequestID]*coordination),
	}
	if c.clock == nil {
		c.clock = epochtime.WallClock
	}
	if c.roundTimeout == 0 {
		c.roundTimeout = dkg.DefaultRoundTimeout
	}
	if c.signingTimeout == 0 {
		c.signingTimeout = DefaultSigningTimeout
	}
	if c.maxConsecutive <= 0 {
		c.maxConsecutive = DefaultMaxConsecutiveCoordinator
	}
	if err = c.restore(); err != nil {
		return nil, err
	}

	c.Go(c.worker)
	return c, nil
}

// Self returns the local node ID.
func (c *Coordinator) Self() sphinx.NodeID {
	return c.self
}

// Group returns the current group, or nil if none has been generated.
// The returned group must not be modified.
func (c *Coordinator) Group() *Group {
	c.groupLock.RLock()
	defer c.groupLock.RUnlock()
	return c.group
}

// GroupKey returns the current group public key, or nil.
func (c *Coordinator) GroupKey() []byte {
	g := c.Group()
	if g == nil {
		return nil
	}
	return g.GroupKey()
}

// Verify returns true iff sig is a valid signature of msg under the
// current group key.
func (c *Coordinator) Verify(msg, sig []byte) bool {
	gk := c.GroupKey()
	return gk != nil && Verify(msg, sig, gk)
}

func (c *Coordinator) threshold(n int) int {
	if c.cfg.Threshold > 0 {
		return min(c.cfg.Threshold, n)
	}
	return n*2/3 + 1
}

func (c *Coordinator) submit(ctx context.Context, op coordOp) error {
	select {
	case c.opCh <- op:
		return nil
	case <-c.HaltCh():
		return ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) awaitCeremony(ctx context.Context, op coordOp, resCh chan ceremonyReply) ([]byte, error) {
	if err := c.submit(ctx, op); err != nil {
		return nil, err
	}
	select {
	case r := <-resCh:
		return r.groupKey, r.err
	case <-c.HaltCh():
		return nil, ErrHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartDKG runs a key generation ceremony among parties, which must
// include the local node, and returns the new group key.  A threshold of
// zero selects the configured default.  The ceremony continues in the
// background if ctx is cancelled.
func (c *Coordinator) StartDKG(ctx context.Context, parties []sphinx.NodeID, threshold int) ([]byte, error) {
	ps := dkg.SortParties(append([]sphinx.NodeID(nil), parties...))
	if threshold == 0 {
		threshold = c.threshold(len(ps))
	}
	op := &opStartDKG{parties: ps, threshold: threshold, resCh: make(chan ceremonyReply, 1)}
	return c.awaitCeremony(ctx, op, op.resCh)
}

// Reshare moves the current group key from oldSet, which must be the
// current group, to newSet.  ErrReshareInsufficient is returned if too few
// members continue, in which case a fresh key generation is required.
func (c *Coordinator) Reshare(ctx context.Context, oldSet, newSet []sphinx.NodeID) error {
	op := &opReshare{
		oldSet: dkg.SortParties(append([]sphinx.NodeID(nil), oldSet...)),
		newSet: dkg.SortParties(append([]sphinx.NodeID(nil), newSet...)),
		resCh:  make(chan ceremonyReply, 1),
	}
	_, err := c.awaitCeremony(ctx, op, op.resCh)
	return err
}

// RequestSignature obtains a threshold signature of msg from the group.
// Without a ctx deadline, a few coordinator attempts are made.
func (c *Coordinator) RequestSignature(ctx context.Context, msg []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = c.clock.Now().Add(c.signingTimeout * defaultSigningAttempts)
	}
	op := &opSign{
		msg:      append([]byte(nil), msg...),
		deadline: deadline,
		resCh:    make(chan signReply, 1),
	}
	if err := c.submit(ctx, op); err != nil {
		return nil, err
	}
	select {
	case r := <-op.resCh:
		return r.sig, r.err
	case <-c.HaltCh():
		return nil, ErrHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleMessage processes a quorum message delivered by the network.
func (c *Coordinator) HandleMessage(payload []byte) {
	e, err := openEnvelope(payload)
	if err != nil {
		c.log.Debugf("Dropping quorum message: %v", err)
		return
	}
	select {
	case c.opCh <- &opMessage{env: e}:
	case <-c.HaltCh():
	}
}

// UpdateMembership installs the quorum membership for a new epoch.  The
// membership ranks the signing coordinators, and when it differs from the
// current group, its highest ranked continuing member reshares the key
// to it.  The first membership of a new network, or one where too few
// members continue, runs a fresh key generation instead.
func (c *Coordinator) UpdateMembership(ctx context.Context, set *membership.Set) error {
	prev := c.membership.Swap(set)
	ranked := set.Ranked()
	if len(ranked) == 0 {
		return nil
	}
	members := dkg.SortParties(append([]sphinx.NodeID(nil), ranked...))

	g := c.Group()
	if g == nil {
		// A node joining an existing group waits to be reshared to.  Only
		// the first membership it sees may bootstrap a group.
		if (prev != nil && prev.Epoch != set.Epoch) || ranked[0] != c.self {
			return nil
		}
		c.log.Noticef("Epoch %d: generating the group key for %d members", set.Epoch, len(members))
		_, err := c.StartDKG(ctx, members, 0)
		return err
	}
	if equalIDs(g.Members(), members) {
		return nil
	}

	var leader *sphinx.NodeID
	for i, id := range ranked {
		if _, ok := g.partyID(id); ok {
			leader = &ranked[i]
			break
		}
	}
	if leader == nil || *leader != c.self {
		return nil
	}
	c.log.Noticef("Epoch %d: resharing the group key to %d members", set.Epoch, len(members))
	err := c.Reshare(ctx, g.Parties, members)
	if errors.Is(err, ErrReshareInsufficient) {
		c.log.Warningf("Epoch %d: too few continuing members, generating a new group key", set.Epoch)
		_, err = c.StartDKG(ctx, members, 0)
	}
	return err
}

func (c *Coordinator) ranked(g *Group) []sphinx.NodeID {
	members := g.Members()
	out := make([]sphinx.NodeID, 0, len(members))
	seen := make(map[sphinx.NodeID]bool, len(members))
	if set := c.membership.Load(); set != nil {
		for _, id := range set.Ranked() {
			if _, ok := g.partyID(id); ok {
				out = append(out, id)
				seen[id] = true
			}
		}
	}
	for _, id := range members {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func equalIDs(a, b []sphinx.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Coordinator) restore() error {
	if c.cfg.Store == nil {
		return nil
	}
	b, err := c.cfg.Store.Load(groupBucket, groupKey)
	switch {
	case err == nil:
		g := new(Group)
		if err = g.UnmarshalBinary(b); err != nil {
			return err
		}
		c.group = g
		c.signer = roast.NewSigner(g.Share, c.cfg.Approve)
		c.log.Noticef("Restored group key %x (%d of %d)", g.GroupKey(), g.Threshold, len(g.Parties))
	case errors.Is(err, state.ErrNotFound):
	default:
		return err
	}

	var stale []string
	err = c.cfg.Store.ForEach(ceremonyBucket, func(key string, blob []byte) error {
		cer, err := dkg.Restore(blob)
		if err != nil {
			c.log.Warningf("Discarding ceremony checkpoint %v: %v", key, err)
			stale = append(stale, key)
			return nil
		}
		c.ceremonies[cer.ID()] = &ceremonyState{c: cer}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err = c.cfg.Store.Delete(ceremonyBucket, key); err != nil {
			return err
		}
	}
	for _, st := range c.ceremonies {
		c.log.Noticef("Resuming ceremony %v in round %v", st.c.ID(), st.c.Round())
		if st.c.Done() {
			c.afterCeremony(st, nil, nil)
		}
	}
	return nil
}

func (c *Coordinator) untilDeadline() time.Duration {
	now := c.clock.Now()
	next := now.Add(idleInterval)
	earlier := func(t time.Time) {
		if !t.IsZero() && t.Before(next) {
			next = t
		}
	}
	for _, st := range c.ceremonies {
		earlier(st.c.Deadline())
	}
	for _, co := range c.coordinating {
		earlier(co.deadline)
	}
	for _, req := range c.requests {
		earlier(req.attemptDeadline)
	}
	return max(next.Sub(now), 0)
}

func (c *Coordinator) onTimer() {
	now := c.clock.Now()
	for _, st := range c.ceremonies {
		if d := st.c.Deadline(); !d.IsZero() && !now.Before(d) {
			msgs, err := st.c.Tick(now)
			c.afterCeremony(st, msgs, err)
		}
	}
	for id, co := range c.coordinating {
		if !now.Before(co.deadline) {
			c.coordinationTimeout(id, co)
		}
	}
	for id, req := range c.requests {
		if !now.Before(req.attemptDeadline) {
			c.log.Infof("Signing request %v: coordinator %v timed out", id, req.coordinator)
			c.retrySign(id, req)
		}
	}
}

func (c *Coordinator) handle(e *envelope) {
	switch e.Kind {
	case kindInvite:
		c.onInvite(e)
	case kindCeremony:
		c.onCeremony(e)
	case kindSignRequest:
		c.onSignRequest(e)
	case kindCommitRequest:
		c.onCommitRequest(e)
	case kindCommitment:
		c.onCommitment(e)
	case kindShareRequest:
		c.onShareRequest(e)
	case kindShare:
		c.onShare(e)
	case kindSignResult:
		c.onSignResult(e)
	default:
		c.log.Debugf("Dropping quorum message from %v: unknown kind %v", e.From, e.Kind)
	}
}

func (c *Coordinator) drainLocal() {
	for len(c.local) > 0 {
		e := c.local[0]
		c.local = c.local[1:]
		c.handle(e)
	}
}

func (c *Coordinator) send(to sphinx.NodeID, k kind, body interface{}) {
	e, raw, err := sealEnvelope(k, c.self, c.idKey, c.cfg.Identity, body)
	if err != nil {
		c.log.Errorf("BUG: failed to seal %v message: %v", k, err)
		return
	}
	if to == c.self {
		c.local = append(c.local, e)
		return
	}
	c.Go(func() {
		ctx, cancel := context.WithTimeout(c.Context(), sendTimeout)
		defer cancel()
		if err := c.cfg.Transport.Send(ctx, to, raw); err != nil {
			c.log.Debugf("Failed to send %v message to %v: %v", k, to, err)
		}
	})
}

func (c *Coordinator) worker() {
	timer := time.NewTimer(c.untilDeadline())
	defer timer.Stop()

	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			c.failAll(ErrHalted)
			return
		case <-timer.C:
			c.onTimer()
		case op := <-c.opCh:
			switch op := op.(type) {
			case *opStartDKG:
				c.doStartDKG(op)
			case *opReshare:
				c.doReshare(op)
			case *opSign:
				c.doSign(op)
			case *opMessage:
				c.handle(op.env)
			default:
				c.log.Warningf("BUG: Coordinator worker received nonsensical op: %T", op)
			}
		}
		c.drainLocal()
		timer.Reset(c.untilDeadline())
	}
}

func (c *Coordinator) failAll(err error) {
	for _, st := range c.ceremonies {
		for _, ch := range st.waiters {
			ch <- ceremonyReply{err: err}
		}
		st.waiters = nil
	}
	for id, req := range c.requests {
		req.resCh <- signReply{err: err}
		delete(c.requests, id)
	}
}
