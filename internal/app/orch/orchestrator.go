// Package orch is the session orchestrator: one gateway session holding the
// local publisher, the subscriber of the current remote speaker and the
// floor-control table.
package orch

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/app"
	"github.com/dkeye/speechgate/internal/app/handler"
	"github.com/dkeye/speechgate/internal/app/state"
	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/domain"
	"github.com/dkeye/speechgate/internal/janus"
)

var ErrSessionTimeout = errors.New("gateway session timed out")

// Callbacks reach the embedding application. Nil fields are skipped.
// PeerState may run while floor control is held and must not call
// StartRemoteSpeech or StopRemoteSpeech synchronously.
type Callbacks struct {
	PeerState      func(domain.PeerStateEvent)
	SpeechRejected func(requestID string)
	StreamAction   func(domain.StreamAction)
	Exception      func(error)
}

type Config struct {
	Room        handler.Room
	OpaqueID    string
	DisplayName string

	// IdlePublishers is the room cap without a remote speaker,
	// SpeechPublishers the cap while one is authorized.
	IdlePublishers   int
	SpeechPublishers int

	RequestTimeout    time.Duration
	RequestRetries    int
	DestroyRoomOnStop bool

	Media          handler.MediaSettings
	NewTransaction func() string
}

type speechEntry struct {
	requestID   string
	publisher   *domain.Publisher
	participant *domain.ParticipantContext
	subscriber  *handler.SubscriberHandler
}

type Orchestrator struct {
	*handler.StateHandler

	cfg       Config
	tr        core.Transmitter
	conns     core.ConnectionFactory
	callbacks Callbacks
	registry  *app.Registry
	policy    app.Policy
	logger    zerolog.Logger

	messageHandlers map[janus.Kind]func(*janus.Message)

	// floorMu serializes floor control across the API and the gateway
	// reader. It is taken before mu.
	floorMu sync.Mutex

	mu              sync.Mutex
	participants    map[uint64]domain.Publisher
	speech          *speechEntry
	publisher       *handler.PublisherHandler
	local           *domain.ParticipantContext
	publisherFailed bool
	receiveAudio    bool
	receiveVideo    bool
}

func New(tr core.Transmitter, conns core.ConnectionFactory, cfg Config, cb Callbacks) *Orchestrator {
	if cfg.IdlePublishers <= 0 {
		cfg.IdlePublishers = 1
	}
	if cfg.SpeechPublishers <= 0 {
		cfg.SpeechPublishers = 3
	}
	cfg.Room.Publishers = cfg.IdlePublishers

	o := &Orchestrator{
		cfg:          cfg,
		tr:           tr,
		conns:        conns,
		callbacks:    cb,
		registry:     app.NewRegistry(),
		policy:       app.SingleSpeakerPolicy{},
		logger:       log.With().Str("module", "app.orch").Uint64("room", cfg.Room.ID).Logger(),
		participants: make(map[uint64]domain.Publisher),
		local:        domain.NewParticipantContext(0, cfg.DisplayName),
		receiveAudio: true,
		receiveVideo: true,
	}
	o.StateHandler = handler.NewStateHandler(handler.RoleSession, "session", state.SessionChain, o.handlerOptions(nil))
	o.StateHandler.OnChainComplete(o.startPublisher)

	o.messageHandlers = map[janus.Kind]func(*janus.Message){
		janus.KindError:            o.handleError,
		janus.KindSessionTimeout:   o.handleSessionTimeout,
		janus.KindPublisherJoining: o.handlePublisherJoining,
		janus.KindPublisherJoined:  o.handlePublisherJoined,
		janus.KindPublisherLeft:    o.handlePublisherLeft,
		janus.KindTalking:          o.handleTalking,
		janus.KindStoppedTalking:   o.handleTalking,
	}
	return o
}

func (o *Orchestrator) handlerOptions(conns core.ConnectionFactory) handler.Options {
	return handler.Options{
		Transmitter:    o.tr,
		Connections:    conns,
		Room:           o.cfg.Room,
		OpaqueID:       o.cfg.OpaqueID,
		DisplayName:    o.cfg.DisplayName,
		RequestTimeout: o.cfg.RequestTimeout,
		RequestRetries: o.cfg.RequestRetries,
		NewTransaction: o.cfg.NewTransaction,
	}
}

// WithPolicy replaces the floor-control policy. Call before Start.
func (o *Orchestrator) WithPolicy(p app.Policy) *Orchestrator {
	o.policy = p
	return o
}

// Registry exposes the live child handlers.
func (o *Orchestrator) Registry() *app.Registry { return o.registry }

// LocalParticipant is the context of the local publisher.
func (o *Orchestrator) LocalParticipant() *domain.ParticipantContext { return o.local }

// Start creates the session; the publisher starts once the session handle is
// attached. The orchestrator reports connected when the publisher does.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	o.publisherFailed = false
	o.mu.Unlock()
	o.StateHandler.Init()
	o.StateHandler.Start()
}

// Stop tears down every child, destroys the room unless the publisher
// failed, and disposes the connection factory.
func (o *Orchestrator) Stop() {
	o.teardown()
	o.StateHandler.Stop()
	o.dispose()
}

// Destroy is Stop followed by releasing the session on the gateway.
func (o *Orchestrator) Destroy() {
	o.teardown()
	sid := o.SessionID()
	o.StateHandler.Destroy()
	if sid != 0 {
		o.tr.Send(janus.NewDestroySession(o.newTransaction(), sid))
	}
	o.dispose()
}

func (o *Orchestrator) teardown() {
	o.floorMu.Lock()
	defer o.floorMu.Unlock()

	o.mu.Lock()
	failed := o.publisherFailed
	o.publisher = nil
	o.speech = nil
	clear(o.participants)
	o.mu.Unlock()

	for _, h := range o.registry.Clear() {
		h.Destroy()
	}
	if o.cfg.DestroyRoomOnStop && !failed {
		o.SendPluginMessage(janus.NewDestroyRoom(o.cfg.Room.ID, o.cfg.Room.Secret))
	}
}

func (o *Orchestrator) dispose() {
	if o.conns != nil {
		o.conns.Dispose()
	}
}

func (o *Orchestrator) newTransaction() string {
	if o.cfg.NewTransaction != nil {
		return o.cfg.NewTransaction()
	}
	return janus.NewTransaction()
}

// HandleMessage dispatches one inbound message. Acks are dropped, session
// level kinds go to their handler and everything else is broadcast to the
// children and then to the session handle itself.
func (o *Orchestrator) HandleMessage(m *janus.Message) bool {
	if m.Kind == janus.KindAck {
		return true
	}
	if fn, ok := o.messageHandlers[m.Kind]; ok {
		fn(m)
		return true
	}
	for _, h := range o.registry.Snapshot() {
		h.HandleMessage(m)
	}
	o.StateHandler.HandleMessage(m)
	return true
}

// handleError logs a core error and hands it to whichever handler waits
// for its transaction.
func (o *Orchestrator) handleError(m *janus.Message) {
	ev := o.logger.Error().Str("transaction", m.Transaction)
	if m.Err != nil {
		ev = ev.Int("code", m.Err.Code).Str("reason", m.Err.Reason)
	}
	ev.Msg("gateway error")

	for _, h := range o.registry.Snapshot() {
		if h.Awaits(m.Transaction) {
			h.HandleMessage(m)
			return
		}
	}
	if o.StateHandler.Awaits(m.Transaction) {
		o.StateHandler.HandleMessage(m)
	}
}

func (o *Orchestrator) handleSessionTimeout(m *janus.Message) {
	o.logger.Error().Uint64("session", m.SessionID).Msg("session timed out")
	o.Fail(ErrSessionTimeout)
}

func (o *Orchestrator) handlePublisherJoining(m *janus.Message) {
	if m.Publisher == nil {
		return
	}
	o.mu.Lock()
	o.participants[m.Publisher.ID] = *m.Publisher
	o.mu.Unlock()
	o.logger.Debug().Uint64("publisher", m.Publisher.ID).Str("display", m.Publisher.DisplayName).Msg("publisher joining")
}

func (o *Orchestrator) handlePublisherLeft(m *janus.Message) {
	o.mu.Lock()
	_, ok := o.participants[m.PublisherID]
	delete(o.participants, m.PublisherID)
	o.mu.Unlock()
	if ok {
		o.logger.Debug().Uint64("publisher", m.PublisherID).Msg("publisher left")
	}
}

func (o *Orchestrator) handleTalking(m *janus.Message) {
	o.mu.Lock()
	var sub *handler.SubscriberHandler
	if e := o.speech; e != nil && e.publisher.ID == m.PublisherID {
		sub = e.subscriber
	}
	o.mu.Unlock()
	if sub != nil {
		sub.SetTalking(m.Kind == janus.KindTalking)
	}
}

// Participants returns the room members the gateway announced, by id.
func (o *Orchestrator) Participants() []domain.Publisher {
	o.mu.Lock()
	out := make([]domain.Publisher, 0, len(o.participants))
	for _, p := range o.participants {
		out = append(out, p)
	}
	o.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.Publisher) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (o *Orchestrator) startPublisher() {
	o.mu.Lock()
	media := o.cfg.Media
	o.mu.Unlock()

	p := handler.NewPublisherHandler(o.handlerOptions(o.conns), media, o.local, o.peerState)
	p.SetSessionID(o.SessionID())
	p.OnJoined(o.publisherJoinedRoom)
	p.SetListener(handler.Listener{
		Connected:    o.NotifyConnected,
		Disconnected: o.NotifyDisconnected,
		Failed: func(err error) {
			o.mu.Lock()
			o.publisherFailed = true
			o.mu.Unlock()
			o.removeHandler(p)
			o.Fail(err)
		},
		Error: func(err error) { o.exception(handler.RolePublisher, err) },
	})

	o.mu.Lock()
	o.publisher = p
	o.mu.Unlock()

	o.registry.Add(p)
	p.Init()
	p.Start()
}

// publisherJoinedRoom mirrors the publishers already present when the local
// publisher joined.
func (o *Orchestrator) publisherJoinedRoom(id uint64, publishers []domain.Publisher) {
	o.mu.Lock()
	for _, p := range publishers {
		o.participants[p.ID] = p
	}
	o.mu.Unlock()
	o.logger.Info().Uint64("publisher", id).Int("participants", len(publishers)).Msg("local publisher in room")
}

// removeHandler unregisters h, destroys it and resets the room cap.
func (o *Orchestrator) removeHandler(h app.Handler) {
	if !o.registry.Remove(h) {
		return
	}
	h.Destroy()
	o.editRoom(o.cfg.IdlePublishers)
}

func (o *Orchestrator) peerState(e domain.PeerStateEvent) {
	if o.callbacks.PeerState != nil {
		o.callbacks.PeerState(e)
	}
}

func (o *Orchestrator) exception(role handler.Role, err error) {
	if o.callbacks.Exception != nil {
		o.callbacks.Exception(&handler.Error{Role: role, Err: err})
	}
}

func (o *Orchestrator) streamAction(a domain.StreamAction) {
	if o.callbacks.StreamAction != nil {
		o.callbacks.StreamAction(a)
	}
}
