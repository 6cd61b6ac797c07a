package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/Wyydra/yamesh/internal/clock"
	"github.com/Wyydra/yamesh/internal/config"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/Wyydra/yamesh/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SignalFunc sends a signal to the remote side of a link.
type SignalFunc func(sig domain.Signal) error

// PeerLink drives one local participant's connection to one remote
// participant. All state below the inbox is owned by the run goroutine;
// engine calls run in order on a separate worker and post their results
// back into the inbox.
type PeerLink struct {
	key    domain.LinkKey
	cfg    config.PeerConfig
	clock  clock.Clock
	engine port.Engine
	signal SignalFunc
	sink   port.EventSink
	log    zerolog.Logger

	ctx        context.Context
	cancel     context.CancelCauseFunc
	inbox      *mailbox[any]
	work       *mailbox[func()]
	workerDone chan struct{}
	done       chan struct{}

	snapshot atomic.Int32
	sendSlot chan struct{}

	state           domain.LinkState
	role            domain.Role
	gen             uint64
	everConnected   bool
	engineConnected bool

	negotiating       bool
	localOfferApplied bool
	offerSent         bool
	renegotiateQueued bool
	queuedOffer       *domain.Offer

	remoteSet     bool
	pendingRemote []domain.ICECandidate
	localSent     bool
	pendingLocal  []domain.ICECandidate

	timerSeq   uint64
	negTimer   *clock.Timer
	negToken   uint64
	retryTimer *clock.Timer
	retryToken uint64
	attempts   int

	xferCancel context.CancelCauseFunc
	xferCtx    context.Context
	receiver   *receiver
}

type connectIntent struct{}

type remoteSignal struct{ sig domain.Signal }

type localCandidate struct{ c domain.ICECandidate }

type engineState struct{ state domain.ConnectionState }

type channelFrame struct{ data []byte }

type remoteTrack struct{ track domain.Track }

type closeRequest struct{}

type addTrackRequest struct {
	track domain.Track
	reply chan error
}

type addTrackDone struct {
	err   error
	reply chan error
}

type transferGrant struct {
	ctx context.Context
	err error
}

type transferRequest struct{ reply chan transferGrant }

type timerKind int

const (
	timerNegotiation timerKind = iota
	timerRetry
)

type timerFired struct {
	kind  timerKind
	token uint64
}

type opKind int

const (
	opCreateOffer opKind = iota
	opSetLocalOffer
	opSetRemoteAnswer
	opSetRemoteOffer
	opCreateAnswer
	opSetLocalAnswer
	opRollback
	opAddCandidate
)

func (o opKind) String() string {
	switch o {
	case opCreateOffer:
		return "create-offer"
	case opSetLocalOffer:
		return "set-local-offer"
	case opSetRemoteAnswer:
		return "set-remote-answer"
	case opSetRemoteOffer:
		return "set-remote-offer"
	case opCreateAnswer:
		return "create-answer"
	case opSetLocalAnswer:
		return "set-local-answer"
	case opRollback:
		return "rollback"
	case opAddCandidate:
		return "add-candidate"
	default:
		return "unknown"
	}
}

type engineDone struct {
	gen  uint64
	op   opKind
	desc domain.SessionDescription
	err  error
}

func NewPeerLink(ctx context.Context, key domain.LinkKey, cfg config.PeerConfig, engines port.EngineFactory, signal SignalFunc, sink port.EventSink, clk clock.Clock) (*PeerLink, error) {
	l := &PeerLink{
		key:        key,
		cfg:        cfg,
		clock:      clk,
		signal:     signal,
		sink:       sink,
		inbox:      newMailbox[any](),
		work:       newMailbox[func()](),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		sendSlot:   make(chan struct{}, 1),
		log: log.With().
			Str("room_id", key.Room.String()).
			Str("local_id", key.Local.String()).
			Str("remote_id", key.Remote.String()).
			Logger(),
	}
	l.ctx, l.cancel = context.WithCancelCause(ctx)
	l.receiver = &receiver{maxSize: cfg.Transfer.MaxSize, report: l.reportInbound}

	engine, err := engines.NewEngine(l.ctx, key, linkEvents{l})
	if err != nil {
		l.cancel(err)
		return nil, fmt.Errorf("create engine for %s: %w", key, err)
	}
	l.engine = engine

	go l.runWorker()
	go l.run()
	context.AfterFunc(l.ctx, func() { l.inbox.Put(closeRequest{}) })
	return l, nil
}

func (l *PeerLink) Key() domain.LinkKey { return l.key }

// State is a snapshot; it may lag the run goroutine.
func (l *PeerLink) State() domain.LinkState {
	return domain.LinkState(l.snapshot.Load())
}

// Done is closed once the link is CLOSED and its goroutines have exited.
func (l *PeerLink) Done() <-chan struct{} { return l.done }

// Connect makes this side the offerer of the initial negotiation.
func (l *PeerLink) Connect() { l.inbox.Put(connectIntent{}) }

func (l *PeerLink) HandleSignal(sig domain.Signal) { l.inbox.Put(remoteSignal{sig: sig}) }

// Close tears the link down and waits for it to finish.
func (l *PeerLink) Close() {
	l.inbox.Put(closeRequest{})
	<-l.done
}

// AddTrack adds a local track and renegotiates once the link is free.
func (l *PeerLink) AddTrack(ctx context.Context, track domain.Track) error {
	reply := make(chan error, 1)
	if !l.inbox.Put(addTrackRequest{track: track, reply: reply}) {
		return domain.ErrChannelClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFile streams r, which must yield exactly meta.Size bytes, to the
// remote side. Sends on one link run one at a time in call order.
func (l *PeerLink) SendFile(ctx context.Context, meta domain.FileMetadata, r io.Reader) error {
	select {
	case l.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return &domain.TransferError{File: meta.FileID, Err: domain.ErrChannelClosed}
	}
	defer func() { <-l.sendSlot }()

	reply := make(chan transferGrant, 1)
	if !l.inbox.Put(transferRequest{reply: reply}) {
		return &domain.TransferError{File: meta.FileID, Err: domain.ErrChannelClosed}
	}
	grant := <-reply
	if grant.err != nil {
		return &domain.TransferError{File: meta.FileID, Err: domain.ErrChannelClosed, Details: grant.err.Error()}
	}

	sctx, cancel := context.WithCancelCause(grant.ctx)
	defer cancel(nil)
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer stop()

	s := &sender{
		ch:     l.engine.Channel(),
		cfg:    l.cfg.Transfer,
		clock:  l.clock,
		report: l.reportOutbound,
	}
	return s.send(sctx, meta, r)
}

// linkEvents posts engine callbacks into the inbox so they are never
// handled on the engine's goroutines.
type linkEvents struct{ l *PeerLink }

func (e linkEvents) OnICECandidate(c domain.ICECandidate) { e.l.inbox.Put(localCandidate{c: c}) }

func (e linkEvents) OnConnectionStateChange(s domain.ConnectionState) {
	e.l.inbox.Put(engineState{state: s})
}

func (e linkEvents) OnChannelMessage(data []byte) { e.l.inbox.Put(channelFrame{data: data}) }

func (e linkEvents) OnRemoteTrack(t domain.Track) { e.l.inbox.Put(remoteTrack{track: t}) }

func (l *PeerLink) runWorker() {
	defer close(l.workerDone)
	for {
		f, ok := l.work.Get()
		if !ok {
			return
		}
		f()
	}
}

func (l *PeerLink) run() {
	defer func() {
		<-l.workerDone
		close(l.done)
	}()
	for {
		msg, ok := l.inbox.Get()
		if !ok {
			return
		}
		l.handle(msg)
	}
}

func (l *PeerLink) handle(msg any) {
	if l.state == domain.LinkClosed {
		l.refuse(msg)
		return
	}

	switch m := msg.(type) {
	case connectIntent:
		if l.state == domain.LinkIdle && !l.negotiating {
			l.startOffer(false)
		}
	case remoteSignal:
		l.onSignal(m.sig)
	case engineDone:
		l.onEngineDone(m)
	case addTrackDone:
		l.onTrackAdded(m)
	case localCandidate:
		if l.localSent {
			l.send(domain.Candidate{ICECandidate: m.c})
		} else {
			l.pendingLocal = append(l.pendingLocal, m.c)
		}
	case engineState:
		l.onEngineState(m.state)
	case channelFrame:
		if l.state != domain.LinkConnected {
			l.log.Debug().Int("bytes", len(m.data)).Stringer("state", l.state).Msg("Dropping channel frame")
			return
		}
		l.receiver.handle(m.data)
	case remoteTrack:
		l.publish(domain.LinkEvent{Kind: domain.EventRemoteTrack, Track: m.track})
	case timerFired:
		l.onTimer(m)
	case addTrackRequest:
		l.work.Put(func() {
			err := l.engine.AddTrack(l.ctx, m.track)
			if !l.inbox.Put(addTrackDone{err: err, reply: m.reply}) {
				m.reply <- domain.ErrChannelClosed
			}
		})
	case transferRequest:
		if l.state != domain.LinkConnected {
			m.reply <- transferGrant{err: fmt.Errorf("link is %s", l.state)}
			return
		}
		m.reply <- transferGrant{ctx: l.xferCtx}
	case closeRequest:
		l.shutdown()
	}
}

// refuse answers requests that arrive after the link closed.
func (l *PeerLink) refuse(msg any) {
	switch m := msg.(type) {
	case addTrackRequest:
		m.reply <- domain.ErrChannelClosed
	case addTrackDone:
		m.reply <- domain.ErrChannelClosed
	case transferRequest:
		m.reply <- transferGrant{err: domain.ErrChannelClosed}
	}
}

func (l *PeerLink) onSignal(sig domain.Signal) {
	switch s := sig.(type) {
	case domain.Offer:
		l.onRemoteOffer(s)
	case domain.Answer:
		l.onRemoteAnswer(s)
	case domain.Candidate:
		if l.remoteSet {
			l.addRemoteCandidate(s.ICECandidate)
		} else {
			l.pendingRemote = append(l.pendingRemote, s.ICECandidate)
		}
	default:
		l.fail(l.negotiationError(fmt.Errorf("%w: %s", domain.ErrUnexpectedSignal, sig.MessageType())))
	}
}

func (l *PeerLink) onRemoteOffer(o domain.Offer) {
	if l.negotiating {
		if l.role == domain.RoleAnswerer {
			l.queuedOffer = &o
			return
		}
		switch c := l.key.Local.Compare(l.key.Remote); {
		case c == 0:
			l.fail(l.negotiationError(domain.ErrGlare))
			return
		case c > 0:
			l.log.Debug().Msg("Glare: keeping local offer")
			return
		}

		l.log.Debug().Bool("offer_applied", l.localOfferApplied).Msg("Glare: rolling back local offer")
		l.gen++
		if l.localOfferApplied {
			l.exec(opRollback, func(ctx context.Context) (domain.SessionDescription, error) {
				return domain.SessionDescription{}, l.engine.Rollback(ctx)
			})
		}
		l.localOfferApplied = false
		l.offerSent = false
		if l.everConnected {
			l.renegotiateQueued = true
		}
		l.publish(domain.LinkEvent{Kind: domain.EventGlareRollback})
	}
	l.answer(o)
}

func (l *PeerLink) onRemoteAnswer(a domain.Answer) {
	if !l.negotiating || l.role != domain.RoleOfferer || !l.offerSent {
		l.fail(l.negotiationError(fmt.Errorf("%w: answer without outstanding offer", domain.ErrUnexpectedSignal)))
		return
	}
	l.offerSent = false
	l.remoteSet = false
	l.exec(opSetRemoteAnswer, func(ctx context.Context) (domain.SessionDescription, error) {
		return domain.SessionDescription{}, l.engine.SetRemoteDescription(ctx, a.SessionDescription)
	})
}

func (l *PeerLink) startOffer(iceRestart bool) {
	l.beginNegotiation(domain.RoleOfferer)
	l.exec(opCreateOffer, func(ctx context.Context) (domain.SessionDescription, error) {
		return l.engine.CreateOffer(ctx, iceRestart)
	})
}

func (l *PeerLink) answer(o domain.Offer) {
	l.beginNegotiation(domain.RoleAnswerer)
	l.remoteSet = false
	l.exec(opSetRemoteOffer, func(ctx context.Context) (domain.SessionDescription, error) {
		return domain.SessionDescription{}, l.engine.SetRemoteDescription(ctx, o.SessionDescription)
	})
}

func (l *PeerLink) beginNegotiation(role domain.Role) {
	l.negotiating = true
	l.role = role
	l.localSent = false
	if l.state != domain.LinkReconnecting && l.negTimer == nil {
		l.negToken = l.nextToken()
		token := l.negToken
		l.negTimer = l.clock.AfterFunc(l.cfg.NegotiationTimeout, func() {
			l.inbox.Put(timerFired{kind: timerNegotiation, token: token})
		})
	}
	if l.state == domain.LinkIdle {
		l.transition(domain.LinkNegotiating)
	}
}

// exec queues an engine call tagged with the current generation.
func (l *PeerLink) exec(op opKind, fn func(context.Context) (domain.SessionDescription, error)) {
	gen := l.gen
	l.work.Put(func() {
		desc, err := fn(l.ctx)
		l.inbox.Put(engineDone{gen: gen, op: op, desc: desc, err: err})
	})
}

func (l *PeerLink) onEngineDone(d engineDone) {
	if d.gen != l.gen {
		l.log.Debug().Stringer("op", d.op).Msg("Discarding stale engine completion")
		return
	}
	if d.err != nil {
		if d.op == opAddCandidate {
			l.log.Warn().Err(d.err).Msg("Engine rejected remote candidate")
			return
		}
		l.fail(l.negotiationError(fmt.Errorf("%w: %s: %v", domain.ErrEngineRejected, d.op, d.err)))
		return
	}

	switch d.op {
	case opCreateOffer:
		l.localOfferApplied = true
		l.exec(opSetLocalOffer, func(ctx context.Context) (domain.SessionDescription, error) {
			return d.desc, l.engine.SetLocalDescription(ctx, d.desc)
		})
	case opSetLocalOffer:
		l.send(domain.Offer{SessionDescription: d.desc})
		l.offerSent = true
		l.flushLocal()
	case opSetRemoteAnswer:
		l.localOfferApplied = false
		l.flushRemote()
		l.negotiationComplete()
	case opSetRemoteOffer:
		l.flushRemote()
		l.exec(opCreateAnswer, func(ctx context.Context) (domain.SessionDescription, error) {
			return l.engine.CreateAnswer(ctx)
		})
	case opCreateAnswer:
		l.exec(opSetLocalAnswer, func(ctx context.Context) (domain.SessionDescription, error) {
			return d.desc, l.engine.SetLocalDescription(ctx, d.desc)
		})
	case opSetLocalAnswer:
		l.send(domain.Answer{SessionDescription: d.desc})
		l.flushLocal()
		l.negotiationComplete()
	}
}

func (l *PeerLink) flushLocal() {
	l.localSent = true
	for _, c := range l.pendingLocal {
		l.send(domain.Candidate{ICECandidate: c})
	}
	l.pendingLocal = nil
}

// flushRemote applies buffered remote candidates in arrival order.
func (l *PeerLink) flushRemote() {
	l.remoteSet = true
	for _, c := range l.pendingRemote {
		l.addRemoteCandidate(c)
	}
	l.pendingRemote = nil
}

func (l *PeerLink) addRemoteCandidate(c domain.ICECandidate) {
	l.exec(opAddCandidate, func(ctx context.Context) (domain.SessionDescription, error) {
		return domain.SessionDescription{}, l.engine.AddICECandidate(ctx, c)
	})
}

func (l *PeerLink) negotiationComplete() {
	l.negotiating = false

	switch l.state {
	case domain.LinkNegotiating:
		if l.engineConnected {
			l.toConnected()
		} else {
			l.transition(domain.LinkConnecting)
		}
	case domain.LinkConnected:
		l.stopNegotiationTimer()
	}

	if l.queuedOffer != nil {
		o := *l.queuedOffer
		l.queuedOffer = nil
		l.answer(o)
		return
	}
	if l.state == domain.LinkConnected && l.renegotiateQueued {
		l.renegotiateQueued = false
		l.startOffer(false)
	}
}

func (l *PeerLink) onTrackAdded(m addTrackDone) {
	m.reply <- m.err
	if m.err != nil {
		return
	}
	if l.state == domain.LinkConnected && !l.negotiating {
		l.startOffer(false)
		return
	}
	l.renegotiateQueued = true
}

func (l *PeerLink) onEngineState(s domain.ConnectionState) {
	l.log.Debug().Stringer("engine_state", s).Stringer("state", l.state).Msg("Engine state changed")

	switch s {
	case domain.ConnectionConnected:
		l.engineConnected = true
		if l.state == domain.LinkConnecting || l.state == domain.LinkReconnecting {
			l.toConnected()
		}

	case domain.ConnectionDisconnected, domain.ConnectionFailed:
		l.engineConnected = false
		switch l.state {
		case domain.LinkConnected:
			l.abortTransfers(fmt.Errorf("link lost connectivity: engine %s", s))
			l.stopNegotiationTimer()
			l.attempts = 0
			l.scheduleRetry()
			l.transition(domain.LinkReconnecting)
		case domain.LinkReconnecting:
			if s == domain.ConnectionFailed && l.attempts >= l.cfg.Backoff.MaxAttempts {
				l.exhausted()
			}
		case domain.LinkNegotiating, domain.LinkConnecting:
			if s == domain.ConnectionFailed {
				l.fail(&domain.ConnectivityError{Link: l.key, Err: domain.ErrICEFailed})
			}
		}

	case domain.ConnectionClosed:
		l.shutdown()
	}
}

func (l *PeerLink) toConnected() {
	l.stopNegotiationTimer()
	l.stopRetryTimer()
	l.attempts = 0
	l.everConnected = true
	l.xferCtx, l.xferCancel = context.WithCancelCause(l.ctx)
	l.transition(domain.LinkConnected)

	if l.renegotiateQueued && !l.negotiating {
		l.renegotiateQueued = false
		l.startOffer(false)
	}
}

func (l *PeerLink) scheduleRetry() {
	delay := l.cfg.Backoff.Delay(l.attempts + 1)
	l.retryToken = l.nextToken()
	token := l.retryToken
	l.retryTimer = l.clock.AfterFunc(delay, func() {
		l.inbox.Put(timerFired{kind: timerRetry, token: token})
	})
}

func (l *PeerLink) onTimer(t timerFired) {
	switch t.kind {
	case timerNegotiation:
		if t.token != l.negToken || l.negTimer == nil {
			return
		}
		l.negTimer = nil
		l.fail(l.negotiationError(domain.ErrNegotiationTimeout))

	case timerRetry:
		if t.token != l.retryToken || l.retryTimer == nil || l.state != domain.LinkReconnecting {
			return
		}
		l.retryTimer = nil
		if l.attempts >= l.cfg.Backoff.MaxAttempts {
			l.exhausted()
			return
		}
		l.attempts++
		l.log.Info().Int("attempt", l.attempts).Bool("initiator", l.key.LocalWinsGlare()).Msg("Reconnect attempt")
		if l.key.LocalWinsGlare() {
			l.restartICE()
		}
		l.scheduleRetry()
	}
}

// restartICE sends an offer with fresh ICE credentials. A restart still
// waiting on its answer is left to finish.
func (l *PeerLink) restartICE() {
	if l.negotiating {
		l.log.Debug().Stringer("role", l.role).Msg("Negotiation in flight, skipping ICE restart")
		return
	}
	l.startOffer(true)
}

func (l *PeerLink) exhausted() {
	l.fail(&domain.ConnectivityError{Link: l.key, Attempts: l.attempts, Err: domain.ErrReconnectExhausted})
}

func (l *PeerLink) negotiationError(err error) error {
	return &domain.NegotiationError{Link: l.key, State: l.state, Err: err}
}

// fail moves the link to FAILED, reports err once and closes it.
func (l *PeerLink) fail(err error) {
	if l.state.Terminal() {
		return
	}
	l.log.Warn().Err(err).Stringer("state", l.state).Msg("Link failed")
	l.stopNegotiationTimer()
	l.stopRetryTimer()
	l.abortTransfers(err)
	l.transition(domain.LinkFailed)
	l.publish(domain.LinkEvent{Kind: domain.EventError, Err: err})
	if errors.Is(err, domain.ErrReconnectExhausted) {
		l.publish(domain.LinkEvent{Kind: domain.EventPeerUnreachable, Err: err})
	}
	l.shutdown()
}

// shutdown releases the engine and moves to CLOSED.
func (l *PeerLink) shutdown() {
	if l.state == domain.LinkClosed {
		return
	}
	l.stopNegotiationTimer()
	l.stopRetryTimer()
	l.abortTransfers(domain.ErrChannelClosed)
	l.gen++

	l.work.Put(func() {
		if err := l.engine.Close(); err != nil {
			l.log.Warn().Err(err).Msg("Failed to close engine")
		}
	})
	l.work.Close()
	l.cancel(domain.ErrChannelClosed)

	l.transition(domain.LinkClosed)
	l.inbox.Close()
}

func (l *PeerLink) abortTransfers(cause error) {
	if l.xferCancel != nil {
		l.xferCancel(cause)
		l.xferCancel = nil
		l.xferCtx = nil
	}
	l.receiver.abort(cause)
}

func (l *PeerLink) stopNegotiationTimer() {
	if l.negTimer != nil {
		l.negTimer.Stop()
		l.negTimer = nil
	}
}

func (l *PeerLink) stopRetryTimer() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
}

func (l *PeerLink) nextToken() uint64 {
	l.timerSeq++
	return l.timerSeq
}

func (l *PeerLink) transition(to domain.LinkState) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	l.snapshot.Store(int32(to))
	l.log.Info().Stringer("from", from).Stringer("to", to).Msg("Link state changed")
	l.publish(domain.LinkEvent{Kind: domain.EventStateChanged, State: to, Previous: from})
}

func (l *PeerLink) send(sig domain.Signal) {
	if err := l.signal(sig); err != nil {
		l.log.Warn().Err(err).Str("type", string(sig.MessageType())).Msg("Failed to send signal")
	}
}

func (l *PeerLink) publish(ev domain.LinkEvent) {
	ev.Link = l.key
	if ev.Kind != domain.EventStateChanged {
		ev.State = l.state
	}
	l.sink.Publish(ev)
}

func (l *PeerLink) reportOutbound(kind domain.EventKind, p *domain.TransferProgress, err error) {
	l.sink.Publish(domain.LinkEvent{Link: l.key, Kind: kind, State: l.State(), Transfer: p, Err: err})
}

func (l *PeerLink) reportInbound(kind domain.EventKind, p *domain.TransferProgress, err error, data []byte) {
	l.publish(domain.LinkEvent{Kind: kind, Transfer: p, Err: err, Data: data})
}
