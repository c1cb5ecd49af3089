package orch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/speechgate/internal/app/handler"
	"github.com/dkeye/speechgate/internal/app/state"
	"github.com/dkeye/speechgate/internal/core/coretest"
	"github.com/dkeye/speechgate/internal/domain"
	"github.com/dkeye/speechgate/internal/janus"
)

const (
	sessionID     = 1
	sessionHandle = 5
	pubHandle     = 9
	subHandle     = 12
)

type recorder struct {
	mu       sync.Mutex
	events   []domain.PeerStateEvent
	rejected []string
	actions  []domain.StreamAction
	failures []error
	errs     []error
	connects int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		PeerState: func(e domain.PeerStateEvent) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		},
		SpeechRejected: func(id string) {
			r.mu.Lock()
			r.rejected = append(r.rejected, id)
			r.mu.Unlock()
		},
		StreamAction: func(a domain.StreamAction) {
			r.mu.Lock()
			r.actions = append(r.actions, a)
			r.mu.Unlock()
		},
		Exception: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) listener() handler.Listener {
	return handler.Listener{
		Connected: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
		},
		Failed: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
	}
}

// eventsFor returns the states reported for one speech request.
func (r *recorder) eventsFor(requestID string) []domain.PeerStateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PeerStateEvent
	for _, e := range r.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t   *testing.T
	o   *Orchestrator
	tr  *coretest.Transmitter
	f   *coretest.Factory
	rec *recorder
}

func newFixture(t *testing.T) *fixture {
	var n atomic.Int64
	tr := &coretest.Transmitter{}
	f := coretest.NewFactory()
	rec := &recorder{}
	o := New(tr, f, Config{
		Room:              handler.Room{ID: 1234, Secret: "secret"},
		OpaqueID:          "lecturer-1",
		DisplayName:       "Lecturer",
		DestroyRoomOnStop: true,
		Media:             handler.MediaSettings{SendAudio: true, SendVideo: true},
		NewTransaction: func() string {
			return fmt.Sprintf("tx%d", n.Add(1))
		},
	}, rec.callbacks())
	o.SetListener(rec.listener())
	return &fixture{t: t, o: o, tr: tr, f: f, rec: rec}
}

// reply answers the last request sent.
func (fx *fixture) reply(m janus.Message) {
	m.Transaction = fx.tr.Last().Transaction
	fx.o.HandleMessage(&m)
}

func (fx *fixture) notify(m janus.Message) {
	if m.Sender == 0 {
		m.Sender = pubHandle
	}
	fx.o.HandleMessage(&m)
}

// connect brings the session and the local publisher up.
func (fx *fixture) connect() {
	t := fx.t
	t.Helper()
	fx.o.Start()
	t.Cleanup(fx.o.Stop)

	require.Equal(t, "info", fx.tr.Last().Janus)
	fx.reply(janus.Message{Kind: janus.KindServerInfo, SessionTimeout: time.Minute})
	require.Equal(t, "create", fx.tr.Last().Janus)
	fx.reply(janus.Message{Kind: janus.KindSuccess, ID: sessionID})
	require.Equal(t, "attach", fx.tr.Last().Janus)
	fx.reply(janus.Message{Kind: janus.KindSuccess, ID: sessionHandle})
	require.Equal(t, state.StepReady, fx.o.Step())

	attach := fx.tr.Last()
	require.Equal(t, "attach", attach.Janus, "publisher attaches")
	require.Equal(t, uint64(sessionID), attach.SessionID)
	fx.reply(janus.Message{Kind: janus.KindSuccess, ID: pubHandle})
	fx.reply(janus.Message{Kind: janus.KindPluginError, Sender: pubHandle,
		Err: &janus.Error{Code: janus.RoomErrRoomExists, Reason: "exists"}})
	fx.reply(janus.Message{Kind: janus.KindRoomJoined, Sender: pubHandle, ID: 100,
		Publishers: []domain.Publisher{{ID: 7, DisplayName: "Bob"}}})

	conn := fx.f.Get("publisher")
	require.NotNil(t, conn)
	conn.EmitLocal(webrtc.SDPTypeOffer, "v=0")
	fx.reply(janus.Message{Kind: janus.KindRoomEvent, Sender: pubHandle, Result: "configured",
		Jsep: &janus.Jsep{Type: "answer", SDP: "v=0"}})
	conn.EmitICEState(webrtc.ICEConnectionStateConnected)
	require.Equal(t, 1, fx.rec.connects)
	fx.tr.Reset()
}

var speakerStreams = []domain.PublisherStream{
	{Type: domain.StreamAudio, Mid: "0"},
	{Type: domain.StreamVideo, Mid: "1"},
}

// speak runs a speech request through join, subscription and ICE.
func (fx *fixture) speak(requestID, name string, id uint64) *coretest.Connection {
	t := fx.t
	t.Helper()
	fx.o.StartRemoteSpeech(requestID, name)
	fx.notify(janus.Message{Kind: janus.KindPublisherJoining, Publisher: &domain.Publisher{ID: id, DisplayName: name}})
	fx.notify(janus.Message{Kind: janus.KindPublisherJoined,
		Publishers: []domain.Publisher{{ID: id, DisplayName: name, Streams: speakerStreams}}})

	require.Equal(t, "attach", fx.tr.Last().Janus, "subscriber attaches")
	fx.reply(janus.Message{Kind: janus.KindSuccess, ID: subHandle})
	join, ok := fx.tr.Last().Body.(janus.JoinSubscriber)
	require.True(t, ok)
	require.Equal(t, id, join.Streams[0].Feed)
	fx.reply(janus.Message{Kind: janus.KindRoomAttached, Sender: subHandle, Jsep: &janus.Jsep{Type: "offer", SDP: "v=0"}})

	conn := fx.f.Get(fmt.Sprintf("subscriber-%d", id))
	require.NotNil(t, conn)
	conn.EmitLocal(webrtc.SDPTypeAnswer, "v=0")
	_, ok = fx.tr.Last().Body.(janus.Start)
	require.True(t, ok)
	fx.reply(janus.Message{Kind: janus.KindRoomEvent, Sender: subHandle, Result: "started"})
	conn.EmitICEState(webrtc.ICEConnectionStateConnected)
	return conn
}

func (fx *fixture) subscribers() []*handler.SubscriberHandler {
	var out []*handler.SubscriberHandler
	for _, h := range fx.o.Registry().Snapshot() {
		if s, ok := h.(*handler.SubscriberHandler); ok {
			out = append(out, s)
		}
	}
	return out
}

func editCaps(tr *coretest.Transmitter) []int {
	var caps []int
	for _, e := range coretest.Bodies[janus.EditRoom](tr) {
		caps = append(caps, e.NewPublishers)
	}
	return caps
}

func kicked(tr *coretest.Transmitter) []uint64 {
	var ids []uint64
	for _, k := range coretest.Bodies[janus.Kick](tr) {
		ids = append(ids, k.ID)
	}
	return ids
}

// indexOf returns the position of the first request matching fn.
func indexOf(tr *coretest.Transmitter, fn func(*janus.Request) bool) int {
	for i, r := range tr.Requests() {
		if fn(r) {
			return i
		}
	}
	return -1
}

func TestHappyPathSpeech(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	fx.speak("r1", "Alice", 42)

	assert.Equal(t, []int{3}, editCaps(fx.tr))
	edit := fx.tr.Requests()[indexOf(fx.tr, func(r *janus.Request) bool { _, ok := r.Body.(janus.EditRoom); return ok })]
	assert.Equal(t, uint64(sessionHandle), edit.HandleID, "moderation runs on the session handle")
	assert.Empty(t, fx.rec.rejected)

	events := fx.rec.eventsFor("r1")
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.PeerStarted, last.State)
	assert.Equal(t, uint64(42), last.PeerID)
	assert.Equal(t, "Alice", last.DisplayName)
	assert.True(t, last.HasVideo)
	assert.Len(t, fx.subscribers(), 1)
	assert.Empty(t, kicked(fx.tr))

	// The speaker is announced to passive participants.
	sent := fx.f.Get("publisher").Sent()
	require.Len(t, sent, 1)
	a, err := domain.DecodeAction(sent[0])
	require.NoError(t, err)
	assert.Equal(t, domain.SpeechPublishedAction{PublisherID: 42, DisplayName: "Alice"}, a)

	ids := []uint64{}
	for _, p := range fx.o.Participants() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []uint64{7, 42}, ids)
}

func TestNeverJoinedEviction(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	fx.o.StartRemoteSpeech("r1", "Alice")
	fx.o.StartRemoteSpeech("r2", "Bob")

	assert.Equal(t, []string{"r1"}, fx.rec.rejected)
	assert.Empty(t, kicked(fx.tr), "no kick for a publisher without id")
	assert.Equal(t, []int{3, 3}, editCaps(fx.tr))
	assert.Empty(t, fx.rec.eventsFor("r1"))

	id, ok := fx.o.SpeechRequest()
	require.True(t, ok)
	assert.Equal(t, "r2", id)
}

func TestConfirmedSpeakerReplacement(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.speak("r1", "Alice", 42)
	sub := fx.subscribers()[0]
	fx.tr.Reset()

	fx.o.StartRemoteSpeech("r2", "Bob")

	assert.Equal(t, []uint64{42}, kicked(fx.tr))
	assert.Empty(t, fx.rec.rejected)
	events := fx.rec.eventsFor("r1")
	assert.Equal(t, domain.PeerStopped, events[len(events)-1].State)
	assert.False(t, fx.o.Registry().Contains(sub))
	assert.True(t, fx.f.Get("subscriber-42").Closed())

	kick := indexOf(fx.tr, func(r *janus.Request) bool { _, ok := r.Body.(janus.Kick); return ok })
	detach := indexOf(fx.tr, func(r *janus.Request) bool { return r.Janus == "detach" })
	caps := editCaps(fx.tr)
	require.NotEmpty(t, caps)
	assert.Equal(t, 3, caps[len(caps)-1], "new speaker authorized last")
	assert.Less(t, kick, detach)
	assert.Equal(t, len(fx.tr.Requests())-1, indexOf(fx.tr, func(r *janus.Request) bool {
		e, ok := r.Body.(janus.EditRoom)
		return ok && e.NewPublishers == 3
	}))

	id, _ := fx.o.SpeechRequest()
	assert.Equal(t, "r2", id)
}

func TestUnauthorizedJoinIsKicked(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	fx.notify(janus.Message{Kind: janus.KindPublisherJoined,
		Publishers: []domain.Publisher{{ID: 77, DisplayName: "Mallory"}}})

	assert.Equal(t, []uint64{77}, kicked(fx.tr))
	assert.Empty(t, fx.subscribers())
	assert.Nil(t, fx.f.Get("subscriber-77"))
	assert.Equal(t, 0, fx.tr.Count("attach"))
}

func TestSecondJoinDuringSpeechIsKicked(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.speak("r1", "Alice", 42)
	fx.tr.Reset()

	fx.notify(janus.Message{Kind: janus.KindPublisherJoined,
		Publishers: []domain.Publisher{{ID: 88, DisplayName: "Eve"}}})

	assert.Equal(t, []uint64{88}, kicked(fx.tr))
	assert.Len(t, fx.subscribers(), 1)
}

func TestStopWhileActive(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.speak("r1", "Alice", 42)
	sub := fx.subscribers()[0]
	fx.tr.Reset()

	fx.o.StopRemoteSpeech("r1")

	assert.Equal(t, []int{1}, editCaps(fx.tr))
	assert.Equal(t, []uint64{42}, kicked(fx.tr))
	events := fx.rec.eventsFor("r1")
	assert.Equal(t, domain.PeerStopped, events[len(events)-1].State)
	assert.False(t, fx.o.Registry().Contains(sub))
	_, ok := fx.o.SpeechRequest()
	assert.False(t, ok)
}

func TestStopPendingSpeech(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.o.StartRemoteSpeech("r1", "Alice")
	fx.tr.Reset()

	fx.o.StopRemoteSpeech("r1")

	assert.Empty(t, kicked(fx.tr))
	assert.Equal(t, []int{1}, editCaps(fx.tr))
	events := fx.rec.eventsFor("r1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.PeerStopped, events[0].State)
}

func TestSingleSpeakerInvariant(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	ops := []func(){
		func() { fx.o.StartRemoteSpeech("a", "A") },
		func() { fx.o.StartRemoteSpeech("b", "B") },
		func() { fx.o.StopRemoteSpeech("a") },
		func() { fx.o.StopRemoteSpeech("b") },
		func() { fx.o.StartRemoteSpeech("c", "C") },
		func() { fx.speak("d", "D", 50) },
		func() { fx.o.StartRemoteSpeech("e", "E") },
		func() { fx.o.StopRemoteSpeech("zzz") },
	}
	for _, op := range ops {
		op()
		fx.o.mu.Lock()
		held := 0
		if fx.o.speech != nil {
			held = 1
		}
		fx.o.mu.Unlock()
		assert.LessOrEqual(t, held, 1)
		assert.LessOrEqual(t, len(fx.subscribers()), 1)
	}
}

func TestSubscriberDisconnectRemovesHandler(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	conn := fx.speak("r1", "Alice", 42)
	fx.tr.Reset()

	conn.EmitICEState(webrtc.ICEConnectionStateDisconnected)

	assert.Empty(t, fx.subscribers())
	assert.Equal(t, []int{1}, editCaps(fx.tr))
	assert.Equal(t, 1, fx.tr.Count("detach"))
	events := fx.rec.eventsFor("r1")
	assert.Equal(t, domain.PeerStopped, events[len(events)-1].State)
	id, _ := fx.o.SpeechRequest()
	assert.Equal(t, "r1", id, "floor entry survives until stopped")
}

func TestReceiveTogglesModerate(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	fx.o.SetReceiveVideo(false)
	assert.Empty(t, coretest.Bodies[janus.Moderate](fx.tr), "no speaker yet")
	fx.o.SetReceiveVideo(true)

	fx.speak("r1", "Alice", 42)
	fx.tr.Reset()

	fx.o.SetReceiveVideo(false)
	fx.o.SetReceiveVideo(false)
	fx.o.SetReceiveAudio(false)
	fx.o.SetReceiveAudio(true)

	mods := coretest.Bodies[janus.Moderate](fx.tr)
	require.Len(t, mods, 3)
	assert.Equal(t, janus.Moderate{Request: "moderate", Room: 1234, Secret: "secret", ID: 42, Mid: "1", Mute: true}, mods[0])
	assert.Equal(t, "0", mods[1].Mid)
	assert.True(t, mods[1].Mute)
	assert.False(t, mods[2].Mute)
	assert.Len(t, fx.subscribers(), 1, "subscription stays up")
}

func TestTalkingReachesSpeaker(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.speak("r1", "Alice", 42)

	var talking []bool
	fx.subscribers()[0].Participant().SetTalkingConsumer(func(b bool) { talking = append(talking, b) })

	fx.notify(janus.Message{Kind: janus.KindTalking, PublisherID: 42})
	fx.notify(janus.Message{Kind: janus.KindTalking, PublisherID: 7})
	fx.notify(janus.Message{Kind: janus.KindStoppedTalking, PublisherID: 42})
	assert.Equal(t, []bool{true, false}, talking)
}

func TestStreamActionsFromSpeaker(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	conn := fx.speak("r1", "Alice", 42)

	data, err := domain.EncodeAction(domain.RawAction{Type: "annotation", Payload: []byte(`{}`)})
	require.NoError(t, err)
	conn.EmitData(data)

	require.Len(t, fx.rec.actions, 1)
	assert.Equal(t, "annotation", fx.rec.actions[0].ActionType())
}

func TestPublisherLeftUpdatesParticipants(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	require.Len(t, fx.o.Participants(), 1)

	fx.notify(janus.Message{Kind: janus.KindPublisherLeft, PublisherID: 7})
	assert.Empty(t, fx.o.Participants())
	assert.Empty(t, fx.tr.Requests(), "leaving has no side effect")
}

func TestStopDestroysRoom(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.speak("r1", "Alice", 42)
	fx.tr.Reset()

	fx.o.Stop()

	rooms := coretest.Bodies[janus.DestroyRoom](fx.tr)
	require.Len(t, rooms, 1)
	assert.Equal(t, uint64(1234), rooms[0].Room)
	assert.Len(t, coretest.Bodies[janus.Leave](fx.tr), 1)
	assert.Zero(t, fx.o.Registry().Len())
	assert.True(t, fx.f.Disposed())
}

func TestPublisherFailureSkipsRoomDestroy(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	fx.f.Get("publisher").EmitICEState(webrtc.ICEConnectionStateFailed)
	require.Len(t, fx.rec.failures, 1)
	assert.ErrorIs(t, fx.rec.failures[0], handler.ErrICEFailed)
	assert.Zero(t, fx.o.Registry().Len())

	fx.tr.Reset()
	fx.o.Stop()
	assert.Empty(t, coretest.Bodies[janus.DestroyRoom](fx.tr))
}

func TestSessionErrorFailsWaitingHandler(t *testing.T) {
	fx := newFixture(t)
	fx.o.Start()
	t.Cleanup(fx.o.Stop)
	fx.reply(janus.Message{Kind: janus.KindServerInfo, SessionTimeout: time.Minute})
	fx.reply(janus.Message{Kind: janus.KindSuccess, ID: sessionID})

	fx.reply(janus.Message{Kind: janus.KindError, Err: &janus.Error{Code: janus.ErrUnknown, Reason: "no plugin"}})

	require.Len(t, fx.rec.failures, 1)
	var jerr *janus.Error
	require.ErrorAs(t, fx.rec.failures[0], &jerr)
	assert.Equal(t, janus.ErrUnknown, jerr.Code)
	assert.Equal(t, 0, fx.o.Registry().Len(), "publisher never started")
}

func TestAckIsDiscarded(t *testing.T) {
	fx := newFixture(t)
	fx.o.Start()
	t.Cleanup(fx.o.Stop)

	fx.reply(janus.Message{Kind: janus.KindAck})
	assert.Equal(t, state.StepInfo, fx.o.Step())
	assert.True(t, fx.o.Awaits(fx.tr.Last().Transaction))
}

func TestSessionTimeoutFails(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	fx.o.HandleMessage(&janus.Message{Kind: janus.KindSessionTimeout, SessionID: sessionID})
	require.Len(t, fx.rec.failures, 1)
	assert.ErrorIs(t, fx.rec.failures[0], ErrSessionTimeout)
}

func TestSpeechBeforeReadyIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.o.StartRemoteSpeech("r1", "Alice")
	_, ok := fx.o.SpeechRequest()
	assert.False(t, ok)
	assert.Empty(t, fx.tr.Requests())
}

func TestSendTogglesBeforePublisher(t *testing.T) {
	fx := newFixture(t)
	fx.o.SetSendVideo(false)
	fx.connect()

	dirs := fx.f.Get("publisher").Directions()
	require.Len(t, dirs, 3)
	assert.Equal(t, webrtc.RTPTransceiverDirectionSendonly, dirs[0])
	assert.Equal(t, webrtc.RTPTransceiverDirectionInactive, dirs[1])
	assert.False(t, fx.o.LocalParticipant().VideoActive())
}

func TestConcurrentSpeechRequests(t *testing.T) {
	fx := newFixture(t)
	fx.connect()

	const n = 8
	for round := 0; round < 50; round++ {
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				fx.o.StartRemoteSpeech(id, "Speaker "+id)
			}(fmt.Sprintf("r%d-%d", round, i))
		}
		close(start)
		wg.Wait()

		holder, ok := fx.o.SpeechRequest()
		require.True(t, ok)
		fx.rec.mu.Lock()
		rejected := fx.rec.rejected
		fx.rec.rejected = nil
		fx.rec.mu.Unlock()
		require.Len(t, rejected, n-1, "round %d", round)
		assert.NotContains(t, rejected, holder)

		fx.o.StopRemoteSpeech(holder)
	}
}

func TestStaleStopKeepsRoomCap(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.o.StartRemoteSpeech("r1", "Alice")
	fx.o.StartRemoteSpeech("r2", "Bob")
	require.Equal(t, []string{"r1"}, fx.rec.rejected)
	fx.tr.Reset()

	fx.o.StopRemoteSpeech("r1")

	assert.Empty(t, editCaps(fx.tr))
	assert.Empty(t, fx.rec.eventsFor("r2"))
	id, ok := fx.o.SpeechRequest()
	require.True(t, ok)
	assert.Equal(t, "r2", id)

	fx.notify(janus.Message{Kind: janus.KindPublisherJoined,
		Publishers: []domain.Publisher{{ID: 43, DisplayName: "Bob", Streams: speakerStreams}}})
	assert.Empty(t, kicked(fx.tr))
	assert.Equal(t, "attach", fx.tr.Last().Janus, "pending speaker is subscribed")
	assert.Len(t, fx.subscribers(), 1)
}

func TestReceiveTogglesApplyToNewSpeaker(t *testing.T) {
	fx := newFixture(t)
	fx.connect()
	fx.o.SetReceiveAudio(false)
	assert.Empty(t, coretest.Bodies[janus.Moderate](fx.tr))

	fx.speak("r1", "Alice", 42)

	mods := coretest.Bodies[janus.Moderate](fx.tr)
	require.Len(t, mods, 1)
	assert.Equal(t, janus.Moderate{Request: "moderate", Room: 1234, Secret: "secret", ID: 42, Mid: "0", Mute: true}, mods[0])
	assert.False(t, fx.subscribers()[0].Participant().AudioActive())

	fx.tr.Reset()
	fx.o.SetReceiveAudio(true)
	mods = coretest.Bodies[janus.Moderate](fx.tr)
	require.Len(t, mods, 1)
	assert.False(t, mods[0].Mute)
}
