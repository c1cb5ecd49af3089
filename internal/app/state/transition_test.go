package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/speechgate/internal/domain"
	"github.com/dkeye/speechgate/internal/janus"
)

func testContext() Context {
	n := 0
	return Context{
		RoomID:         1234,
		RoomSecret:     "secret",
		RoomPublishers: 1,
		DisplayName:    "Lecturer",
		Retries:        1,
		NewTransaction: func() string {
			n++
			return fmt.Sprintf("tx%d", n)
		},
	}
}

func sent(t *testing.T, effects []Effect) *janus.Request {
	t.Helper()
	for _, e := range effects {
		if s, ok := e.(Send); ok {
			return s.Request
		}
	}
	t.Fatalf("no send effect in %#v", effects)
	return nil
}

func msg(kind janus.Kind, tx string) Event {
	return Event{Message: &janus.Message{Kind: kind, Transaction: tx}}
}

func TestSessionChain(t *testing.T) {
	ctx := testContext()
	s, eff := Start(ctx, SessionChain)
	assert.Equal(t, StepInfo, s.Step)
	req := sent(t, eff)
	assert.Equal(t, "info", req.Janus)

	ev := msg(janus.KindServerInfo, req.Transaction)
	ev.Message.SessionTimeout = time.Minute
	s, eff = Transition(ctx, s, ev)
	require.Equal(t, StepCreateSession, s.Step)
	assert.Equal(t, SetSessionTimeout{Timeout: time.Minute}, eff[0])
	req = sent(t, eff)
	assert.Equal(t, "create", req.Janus)

	ev = msg(janus.KindSuccess, req.Transaction)
	ev.Message.ID = 77
	s, eff = Transition(ctx, s, ev)
	require.Equal(t, StepAttachPlugin, s.Step)
	assert.Equal(t, SetSessionID{ID: 77}, eff[0])
	req = sent(t, eff)
	assert.Equal(t, "attach", req.Janus)
	assert.Equal(t, uint64(77), req.SessionID, "attach uses the id assigned in the same transition")

	ctx.SessionID = 77
	ev = msg(janus.KindSuccess, req.Transaction)
	ev.Message.ID = 5
	s, eff = Transition(ctx, s, ev)
	assert.Equal(t, StepReady, s.Step)
	assert.Equal(t, []Effect{SetPluginID{ID: 5}, ChainComplete{}}, eff)
}

func TestIgnoresUnrelatedTransactions(t *testing.T) {
	ctx := testContext()
	s, _ := Start(ctx, SessionChain)
	s2, eff := Transition(ctx, s, msg(janus.KindServerInfo, "other"))
	assert.Equal(t, s, s2)
	assert.Empty(t, eff)

	s2, eff = Transition(ctx, s, msg(janus.KindAck, s.Transaction))
	assert.Equal(t, s, s2)
	assert.Empty(t, eff)
}

func TestPublisherChain(t *testing.T) {
	ctx := testContext()
	ctx.SessionID = 1
	s, eff := Start(ctx, PublisherChain)
	req := sent(t, eff)

	ev := msg(janus.KindSuccess, req.Transaction)
	ev.Message.ID = 9
	s, eff = Transition(ctx, s, ev)
	require.Equal(t, StepCreateRoom, s.Step)
	req = sent(t, eff)
	body, ok := req.Body.(janus.CreateRoom)
	require.True(t, ok)
	assert.Equal(t, uint64(1234), body.Room)
	assert.Equal(t, uint64(9), req.HandleID)

	ctx.PluginID = 9
	s, eff = Transition(ctx, s, msg(janus.KindRoomCreated, req.Transaction))
	require.Equal(t, StepJoinPublisher, s.Step)
	req = sent(t, eff)
	assert.IsType(t, janus.JoinPublisher{}, req.Body)

	ev = msg(janus.KindRoomJoined, req.Transaction)
	ev.Message.ID = 100
	ev.Message.Publishers = []domain.Publisher{{ID: 3, DisplayName: "Eve"}}
	s, eff = Transition(ctx, s, ev)
	require.Equal(t, StepPublish, s.Step)
	assert.Equal(t, []Effect{
		SetPublisherID{ID: 100, Publishers: []domain.Publisher{{ID: 3, DisplayName: "Eve"}}},
		SetupPublisherMedia{},
	}, eff)
	assert.Empty(t, s.Transaction, "publish waits for the local offer")

	local := &LocalDescription{
		Jsep:    janus.Jsep{Type: "offer", SDP: "v=0"},
		Streams: []janus.StreamDescription{{Mid: "0", Description: "microphone"}},
	}
	s, eff = Transition(ctx, s, Event{Local: local})
	req = sent(t, eff)
	pub, ok := req.Body.(janus.Publish)
	require.True(t, ok)
	assert.Equal(t, "publish", pub.Request)
	assert.Equal(t, local.Streams, pub.Descriptions)
	require.NotNil(t, req.Jsep)
	assert.Equal(t, "offer", req.Jsep.Type)

	ev = msg(janus.KindRoomEvent, req.Transaction)
	ev.Message.Jsep = &janus.Jsep{Type: "answer", SDP: "v=0"}
	s, eff = Transition(ctx, s, ev)
	assert.Equal(t, StepReady, s.Step)
	assert.Equal(t, []Effect{ApplyRemoteSDP{Jsep: janus.Jsep{Type: "answer", SDP: "v=0"}}, ChainComplete{}}, eff)
}

func TestCreateRoomToleratesExistingRoom(t *testing.T) {
	ctx := testContext()
	s := State{Chain: PublisherChain, Index: 1, Step: StepCreateRoom, Transaction: "tx"}
	ev := Event{Message: &janus.Message{
		Kind:        janus.KindPluginError,
		Transaction: "tx",
		Err:         &janus.Error{Code: janus.RoomErrRoomExists, Reason: "Room exists"},
	}}
	s, eff := Transition(ctx, s, ev)
	assert.Equal(t, StepJoinPublisher, s.Step)
	for _, e := range eff {
		assert.NotEqual(t, "state.Fail", fmt.Sprintf("%T", e))
	}
}

func TestPluginErrorFails(t *testing.T) {
	ctx := testContext()
	s := State{Chain: PublisherChain, Index: 2, Step: StepJoinPublisher, Transaction: "tx"}
	ev := Event{Message: &janus.Message{
		Kind:        janus.KindPluginError,
		Transaction: "tx",
		Err:         &janus.Error{Code: janus.RoomErrNoSuchRoom, Reason: "No such room"},
	}}
	s, eff := Transition(ctx, s, ev)
	assert.Equal(t, StepFailed, s.Step)
	require.Len(t, eff, 1)
	f, ok := eff[0].(Fail)
	require.True(t, ok)
	var jerr *janus.Error
	require.ErrorAs(t, f.Err, &jerr)
	assert.Equal(t, janus.RoomErrNoSuchRoom, jerr.Code)

	// A failed state ignores further input.
	s2, eff := Transition(ctx, s, msg(janus.KindSuccess, "tx"))
	assert.Equal(t, s, s2)
	assert.Empty(t, eff)
}

func TestSubscriberChain(t *testing.T) {
	ctx := testContext()
	ctx.SessionID = 1
	ctx.PluginID = 12
	ctx.Feed = 42
	s := State{Chain: SubscriberChain, Index: 0, Step: StepAttachPlugin, Transaction: "a"}

	ev := msg(janus.KindSuccess, "a")
	ev.Message.ID = 12
	s, eff := Transition(ctx, s, ev)
	require.Equal(t, StepJoinSubscriber, s.Step)
	req := sent(t, eff)
	join, ok := req.Body.(janus.JoinSubscriber)
	require.True(t, ok)
	assert.Equal(t, []janus.SubscribeStream{{Feed: 42}}, join.Streams)

	ev = msg(janus.KindRoomAttached, req.Transaction)
	ev.Message.Jsep = &janus.Jsep{Type: "offer", SDP: "v=0"}
	s, eff = Transition(ctx, s, ev)
	require.Equal(t, StepStartSubscriber, s.Step)
	assert.Equal(t, []Effect{ApplyRemoteSDP{Jsep: janus.Jsep{Type: "offer", SDP: "v=0"}}}, eff)

	s, eff = Transition(ctx, s, Event{Local: &LocalDescription{Jsep: janus.Jsep{Type: "answer", SDP: "v=0"}}})
	req = sent(t, eff)
	assert.IsType(t, janus.Start{}, req.Body)

	ev = msg(janus.KindRoomEvent, req.Transaction)
	ev.Message.Result = "started"
	s, eff = Transition(ctx, s, ev)
	assert.Equal(t, StepReady, s.Step)
	assert.Equal(t, []Effect{ChainComplete{}}, eff)
}

func TestJoinSubscriberWithoutOfferFails(t *testing.T) {
	ctx := testContext()
	s := State{Chain: SubscriberChain, Index: 1, Step: StepJoinSubscriber, Transaction: "tx"}
	s, eff := Transition(ctx, s, msg(janus.KindRoomAttached, "tx"))
	assert.Equal(t, StepFailed, s.Step)
	f := eff[0].(Fail)
	assert.ErrorIs(t, f.Err, ErrMissingJsep)
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	ctx := testContext()
	s, eff := Start(ctx, SessionChain)
	first := sent(t, eff)

	s, eff = Transition(ctx, s, Event{Timeout: first.Transaction})
	retry := sent(t, eff)
	assert.Equal(t, "info", retry.Janus)
	assert.NotEqual(t, first.Transaction, retry.Transaction)
	assert.Equal(t, 1, s.Attempts)

	// A late timer for the first transaction is stale.
	s2, eff := Transition(ctx, s, Event{Timeout: first.Transaction})
	assert.Equal(t, s, s2)
	assert.Empty(t, eff)

	s, eff = Transition(ctx, s, Event{Timeout: retry.Transaction})
	assert.Equal(t, StepFailed, s.Step)
	f := eff[0].(Fail)
	assert.ErrorIs(t, f.Err, ErrRequestTimeout)
}

func TestReadyRenegotiation(t *testing.T) {
	ctx := testContext()
	s := State{Chain: PublisherChain, Index: len(PublisherChain), Step: StepReady}

	s, eff := Transition(ctx, s, Event{Local: &LocalDescription{Jsep: janus.Jsep{Type: "offer", SDP: "v=1"}}})
	req := sent(t, eff)
	cfg, ok := req.Body.(janus.Publish)
	require.True(t, ok)
	assert.Equal(t, "configure", cfg.Request)

	ev := msg(janus.KindRoomEvent, req.Transaction)
	ev.Message.Jsep = &janus.Jsep{Type: "answer", SDP: "v=1"}
	s, eff = Transition(ctx, s, ev)
	assert.Equal(t, []Effect{ApplyRemoteSDP{Jsep: janus.Jsep{Type: "answer", SDP: "v=1"}}}, eff)
	assert.Empty(t, s.Transaction)

	// Unsolicited answers are dropped, offers are applied.
	ev = msg(janus.KindRoomEvent, "stray")
	ev.Message.Jsep = &janus.Jsep{Type: "answer", SDP: "v=2"}
	_, eff = Transition(ctx, s, ev)
	assert.Empty(t, eff)

	ev = msg(janus.KindRoomAttached, "")
	ev.Message.Jsep = &janus.Jsep{Type: "offer", SDP: "v=3"}
	_, eff = Transition(ctx, s, ev)
	assert.Equal(t, []Effect{ApplyRemoteSDP{Jsep: janus.Jsep{Type: "offer", SDP: "v=3"}}}, eff)
}
