// Package handler runs the per-handle gateway sessions: the shared state
// handler runtime and its publisher and subscriber variants.
package handler

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/app/state"
	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/janus"
)

var (
	ErrICEFailed  = errors.New("ICE connection failed")
	ErrNoConnFact = errors.New("no connection factory")
)

type Role string

const (
	RoleSession    Role = "session"
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Error is a terminal handler failure.
type Error struct {
	Role Role
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s handler: %v", e.Role, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Listener observes a handler's connection state. Failed is terminal.
type Listener struct {
	Connected    func()
	Disconnected func()
	Failed       func(error)
	Error        func(error)
}

type Room struct {
	ID         uint64
	Secret     string
	Pin        string
	Publishers int
	Bitrate    int
}

type Options struct {
	Transmitter core.Transmitter
	Connections core.ConnectionFactory

	Room        Room
	OpaqueID    string
	DisplayName string

	// RequestTimeout bounds the wait for each awaited response; zero
	// disables the timer.
	RequestTimeout time.Duration
	RequestRetries int
	NewTransaction func() string
}

func (o Options) newTransaction() string {
	if o.NewTransaction != nil {
		return o.NewTransaction()
	}
	return janus.NewTransaction()
}

// hooks specialise a StateHandler for one role. Nil hooks are skipped.
type hooks struct {
	configureConnection func(core.MediaConnection)
	setupMedia          func(core.MediaConnection)
	joined              func(state.SetPublisherID)
	chainComplete       func()
	stop                func()
}

// StateHandler drives one plugin handle through a protocol chain and owns
// its peer connection.
type StateHandler struct {
	role   Role
	name   string
	chain  state.Chain
	opts   Options
	hooks  hooks
	logger zerolog.Logger

	mu             sync.Mutex
	st             state.State
	ctx            state.Context
	running        bool
	failed         bool
	timer          *time.Timer
	sessionTimeout time.Duration
	keepAlive      *keepAlive
	conn           core.MediaConnection
	listener       Listener
}

func NewStateHandler(role Role, name string, chain state.Chain, opts Options) *StateHandler {
	return &StateHandler{
		role:   role,
		name:   name,
		chain:  chain,
		opts:   opts,
		logger: log.With().Str("module", "app.handler").Str("handler", name).Logger(),
		ctx: state.Context{
			RoomID:         opts.Room.ID,
			RoomSecret:     opts.Room.Secret,
			RoomPin:        opts.Room.Pin,
			RoomPublishers: opts.Room.Publishers,
			RoomBitrate:    opts.Room.Bitrate,
			OpaqueID:       opts.OpaqueID,
			DisplayName:    opts.DisplayName,
			Retries:        opts.RequestRetries,
			NewTransaction: opts.NewTransaction,
		},
	}
}

// OnChainComplete registers the hook run when the chain reaches Ready.
func (h *StateHandler) OnChainComplete(fn func()) { h.hooks.chainComplete = fn }

func (h *StateHandler) Name() string { return h.name }
func (h *StateHandler) Role() Role   { return h.role }

func (h *StateHandler) SetListener(l Listener) {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

func (h *StateHandler) SessionID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx.SessionID
}

func (h *StateHandler) PluginID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx.PluginID
}

// SetSessionID assigns the session once; later calls are ignored.
func (h *StateHandler) SetSessionID(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setSessionIDLocked(id)
}

func (h *StateHandler) setSessionIDLocked(id uint64) {
	if h.ctx.SessionID != 0 || id == 0 {
		h.logger.Debug().Uint64("session", id).Msg("session id already set")
		return
	}
	h.ctx.SessionID = id
	h.logger.Debug().Uint64("session", id).Msg("session id set")
	h.armKeepAliveLocked()
}

// SetPluginID assigns the plugin handle once; later calls are ignored.
func (h *StateHandler) SetPluginID(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setPluginIDLocked(id)
}

func (h *StateHandler) setPluginIDLocked(id uint64) {
	if h.ctx.PluginID != 0 || id == 0 {
		h.logger.Debug().Uint64("handle", id).Msg("plugin id already set")
		return
	}
	h.ctx.PluginID = id
	h.logger.Debug().Uint64("handle", id).Msg("plugin id set")
}

// SetSessionTimeout records the server session timeout; keep-alives run at
// half of it once the session id is known.
func (h *StateHandler) SetSessionTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionTimeout = d
	h.armKeepAliveLocked()
}

func (h *StateHandler) armKeepAliveLocked() {
	if h.keepAlive != nil || h.sessionTimeout <= 0 || h.ctx.SessionID == 0 {
		return
	}
	sid := h.ctx.SessionID
	interval := h.sessionTimeout / 2
	h.keepAlive = startKeepAlive(interval, func() {
		h.opts.Transmitter.Send(janus.NewKeepAlive(h.opts.newTransaction(), sid))
	})
	h.logger.Debug().Dur("interval", interval).Msg("keep-alive armed")
}

// Init resets the handler to a fresh chain. Ids the chain acquires itself
// are cleared so a restart attaches a new handle.
func (h *StateHandler) Init() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st = state.State{}
	h.failed = false
	if slices.Contains(h.chain, state.StepCreateSession) {
		h.ctx.SessionID = 0
	}
	if slices.Contains(h.chain, state.StepAttachPlugin) {
		h.ctx.PluginID = 0
	}
}

// Start enters the first step of the chain.
func (h *StateHandler) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	var eff []state.Effect
	h.st, eff = state.Start(h.ctx, h.chain)
	h.logger.Info().Str("step", h.st.Step.String()).Msg("handler started")
	after := h.applyLocked(eff)
	h.mu.Unlock()
	run(after)
}

// Stop halts the chain and closes the peer connection.
func (h *StateHandler) Stop() {
	if h.hooks.stop != nil {
		h.hooks.stop()
	}
	h.mu.Lock()
	h.running = false
	h.stopTimerLocked()
	if h.keepAlive != nil {
		h.keepAlive.Stop()
		h.keepAlive = nil
	}
	conn := h.conn
	h.conn = nil
	h.st = state.State{}
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	h.logger.Info().Msg("handler stopped")
}

// Destroy stops the handler and releases its plugin handle.
func (h *StateHandler) Destroy() {
	h.Stop()
	h.mu.Lock()
	sid, pid := h.ctx.SessionID, h.ctx.PluginID
	h.listener = Listener{}
	h.mu.Unlock()
	if sid != 0 && pid != 0 {
		h.opts.Transmitter.Send(janus.NewDetach(h.opts.newTransaction(), sid, pid))
	}
}

func (h *StateHandler) Step() state.Step {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st.Step
}

// Awaits reports whether the current step waits for tx.
func (h *StateHandler) Awaits(tx string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running && h.st.Awaits(tx)
}

func (h *StateHandler) Failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

// Connection returns the peer connection, nil before media setup.
func (h *StateHandler) Connection() core.MediaConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// HandleMessage feeds m to the handler. Plugin scoped messages for other
// handles are dropped and reported as not accepted.
func (h *StateHandler) HandleMessage(m *janus.Message) bool {
	if m.IsPluginScoped() && m.Sender != h.PluginID() {
		return false
	}
	switch m.Kind {
	case janus.KindTrickle:
		h.remoteCandidate(m.Candidate)
	case janus.KindWebRTCUp:
		h.logger.Info().Msg("webrtc up")
	case janus.KindMedia:
		h.logger.Info().Str("type", m.MediaType).Str("mid", m.Mid).Bool("receiving", m.Receiving).Msg("media")
	case janus.KindSlowLink:
		h.logger.Warn().Bool("uplink", m.Uplink).Int("lost", m.Lost).Msg("slow link")
	case janus.KindHangup:
		h.logger.Info().Str("reason", m.Reason).Msg("hangup")
	case janus.KindDetached:
		h.logger.Info().Msg("detached")
	default:
		h.feed(state.Event{Message: m})
	}
	return true
}

func (h *StateHandler) remoteCandidate(c *janus.Candidate) {
	if c == nil || c.Completed {
		return
	}
	conn := h.Connection()
	if conn == nil {
		h.logger.Debug().Msg("remote candidate before connection, dropped")
		return
	}
	conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (h *StateHandler) feed(ev state.Event) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	prev := h.st.Step
	var eff []state.Effect
	h.st, eff = state.Transition(h.ctx, h.st, ev)
	if h.st.Step != prev {
		h.logger.Debug().Str("from", prev.String()).Str("to", h.st.Step.String()).Msg("step")
	}
	if h.st.Transaction == "" {
		h.stopTimerLocked()
	}
	after := h.applyLocked(eff)
	h.mu.Unlock()
	run(after)
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// applyLocked executes bookkeeping effects in place and returns the ones that
// call out of the handler, to run after unlocking.
func (h *StateHandler) applyLocked(effects []state.Effect) []func() {
	var after []func()
	for _, e := range effects {
		switch e := e.(type) {
		case state.Send:
			h.opts.Transmitter.Send(e.Request)
			if e.Await {
				h.armTimerLocked(e.Request.Transaction)
			}
		case state.SetSessionTimeout:
			h.sessionTimeout = e.Timeout
			h.armKeepAliveLocked()
		case state.SetSessionID:
			h.setSessionIDLocked(e.ID)
		case state.SetPluginID:
			h.setPluginIDLocked(e.ID)
		case state.SetPublisherID:
			if h.hooks.joined != nil {
				after = append(after, func() { h.hooks.joined(e) })
			}
		case state.SetupPublisherMedia:
			conn, err := h.ensureConnectionLocked()
			if err != nil {
				after = append(after, func() { h.Fail(err) })
				continue
			}
			if h.hooks.setupMedia != nil {
				after = append(after, func() { h.hooks.setupMedia(conn) })
			}
		case state.ApplyRemoteSDP:
			conn, err := h.ensureConnectionLocked()
			if err != nil {
				after = append(after, func() { h.Fail(err) })
				continue
			}
			desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(e.Jsep.Type), SDP: e.Jsep.SDP}
			after = append(after, func() { conn.SetSessionDescription(desc) })
		case state.ChainComplete:
			h.logger.Info().Msg("chain complete")
			if h.hooks.chainComplete != nil {
				after = append(after, h.hooks.chainComplete)
			}
		case state.Fail:
			after = append(after, func() { h.Fail(e.Err) })
		}
	}
	return after
}

func (h *StateHandler) armTimerLocked(tx string) {
	h.stopTimerLocked()
	if h.opts.RequestTimeout <= 0 {
		return
	}
	h.timer = time.AfterFunc(h.opts.RequestTimeout, func() {
		h.logger.Warn().Str("transaction", tx).Msg("request timed out")
		h.feed(state.Event{Timeout: tx})
	})
}

func (h *StateHandler) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *StateHandler) ensureConnectionLocked() (core.MediaConnection, error) {
	if h.conn != nil {
		return h.conn, nil
	}
	conn, err := h.createPeerConnection()
	if err != nil {
		return nil, err
	}
	h.conn = conn
	return conn, nil
}

// createPeerConnection builds the connection and binds the callbacks every
// role shares; roles add theirs through configureConnection.
func (h *StateHandler) createPeerConnection() (core.MediaConnection, error) {
	if h.opts.Connections == nil {
		return nil, ErrNoConnFact
	}
	conn, err := h.opts.Connections.NewConnection(h.name)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	conn.OnLocalDescription(h.localDescription)
	conn.OnICECandidate(h.localCandidate)
	conn.OnException(h.exception)
	if h.hooks.configureConnection != nil {
		h.hooks.configureConnection(conn)
	}
	return conn, nil
}

func (h *StateHandler) localDescription(ld core.LocalDescription) {
	streams := make([]janus.StreamDescription, 0, len(ld.Streams))
	for _, s := range ld.Streams {
		streams = append(streams, janus.StreamDescription{Mid: s.Mid, Description: s.Name})
	}
	h.feed(state.Event{Local: &state.LocalDescription{
		Jsep:    janus.Jsep{Type: ld.SDP.Type.String(), SDP: ld.SDP.SDP},
		Streams: streams,
	}})
}

func (h *StateHandler) localCandidate(c *webrtc.ICECandidateInit) {
	h.mu.Lock()
	sid, pid, running := h.ctx.SessionID, h.ctx.PluginID, h.running
	h.mu.Unlock()
	if !running || sid == 0 || pid == 0 {
		return
	}
	tx := h.opts.newTransaction()
	if c == nil {
		h.opts.Transmitter.Send(janus.NewTrickleCompleted(tx, sid, pid))
		return
	}
	h.opts.Transmitter.Send(janus.NewTrickle(tx, sid, pid, &janus.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}))
}

func (h *StateHandler) exception(err error) {
	h.logger.Warn().Err(err).Msg("media exception")
	h.mu.Lock()
	l := h.listener
	h.mu.Unlock()
	if l.Error != nil {
		l.Error(err)
	}
}

// SendPluginMessage sends a fire-and-forget body on this handle.
func (h *StateHandler) SendPluginMessage(body any) bool {
	h.mu.Lock()
	sid, pid := h.ctx.SessionID, h.ctx.PluginID
	h.mu.Unlock()
	if sid == 0 || pid == 0 {
		h.logger.Debug().Msg("no plugin handle, message dropped")
		return false
	}
	h.opts.Transmitter.Send(janus.NewPluginMessage(h.opts.newTransaction(), sid, pid, body, nil))
	return true
}

func (h *StateHandler) NotifyConnected() {
	h.mu.Lock()
	l := h.listener
	h.mu.Unlock()
	if l.Connected != nil {
		l.Connected()
	}
}

func (h *StateHandler) NotifyDisconnected() {
	h.mu.Lock()
	l := h.listener
	h.mu.Unlock()
	if l.Disconnected != nil {
		l.Disconnected()
	}
}

// Fail marks the handler failed and reports it once.
func (h *StateHandler) Fail(err error) {
	h.mu.Lock()
	if h.failed {
		h.mu.Unlock()
		return
	}
	h.failed = true
	h.stopTimerLocked()
	l := h.listener
	h.mu.Unlock()

	herr := &Error{Role: h.role, Err: err}
	h.logger.Error().Err(err).Msg("handler failed")
	if l.Failed != nil {
		l.Failed(herr)
	}
}
