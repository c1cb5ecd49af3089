package state

import (
	"fmt"

	"github.com/dkeye/speechgate/internal/janus"
)

// Start enters the first step of chain.
func Start(ctx Context, chain Chain) (State, []Effect) {
	return enter(&ctx, State{Chain: chain}, 0, nil)
}

// Transition feeds one event to s.
func Transition(ctx Context, s State, ev Event) (State, []Effect) {
	if s.Step == StepIdle || s.Step == StepFailed {
		return s, nil
	}
	switch {
	case ev.Timeout != "":
		return onTimeout(&ctx, s, ev.Timeout)
	case ev.Local != nil:
		return onLocal(&ctx, s, ev.Local)
	case ev.Message != nil:
		return onMessage(&ctx, s, ev.Message)
	}
	return s, nil
}

func enter(ctx *Context, s State, idx int, effects []Effect) (State, []Effect) {
	s.Index = idx
	s.Transaction = ""
	s.Pending = nil
	s.Attempts = 0
	if idx >= len(s.Chain) {
		s.Step = StepReady
		return s, append(effects, ChainComplete{})
	}
	s.Step = s.Chain[idx]
	req := request(ctx, s.Step)
	if req == nil {
		return s, effects
	}
	return await(s, req, effects)
}

func next(ctx *Context, s State, effects []Effect) (State, []Effect) {
	return enter(ctx, s, s.Index+1, effects)
}

func await(s State, req *janus.Request, effects []Effect) (State, []Effect) {
	s.Transaction = req.Transaction
	s.Pending = req
	return s, append(effects, Send{Request: req, Await: true})
}

func fail(s State, err error) (State, []Effect) {
	step := s.Step
	s.Step = StepFailed
	s.Transaction = ""
	s.Pending = nil
	return s, []Effect{Fail{Err: fmt.Errorf("%s: %w", step, err)}}
}

// request builds the request a step sends on entry; steps waiting for a
// local description send nothing.
func request(ctx *Context, step Step) *janus.Request {
	tx := ctx.tx()
	switch step {
	case StepInfo:
		return janus.NewInfo(tx)
	case StepCreateSession:
		return janus.NewCreateSession(tx)
	case StepAttachPlugin:
		return janus.NewAttach(tx, ctx.SessionID, ctx.OpaqueID)
	case StepCreateRoom:
		body := janus.NewCreateRoom(ctx.RoomID, ctx.RoomSecret, ctx.RoomPin, ctx.RoomPublishers, ctx.RoomBitrate)
		return janus.NewPluginMessage(tx, ctx.SessionID, ctx.PluginID, body, nil)
	case StepJoinPublisher:
		body := janus.NewJoinPublisher(ctx.RoomID, ctx.DisplayName, ctx.RoomPin)
		return janus.NewPluginMessage(tx, ctx.SessionID, ctx.PluginID, body, nil)
	case StepJoinSubscriber:
		body := janus.NewJoinSubscriber(ctx.RoomID, ctx.RoomPin, ctx.Feed)
		return janus.NewPluginMessage(tx, ctx.SessionID, ctx.PluginID, body, nil)
	}
	return nil
}

func onTimeout(ctx *Context, s State, tx string) (State, []Effect) {
	if !s.Awaits(tx) || s.Pending == nil {
		return s, nil
	}
	if s.Attempts >= ctx.Retries {
		return fail(s, ErrRequestTimeout)
	}
	s.Attempts++
	retry := *s.Pending
	retry.Transaction = ctx.tx()
	s.Transaction = retry.Transaction
	s.Pending = &retry
	return s, []Effect{Send{Request: &retry, Await: true}}
}

func onLocal(ctx *Context, s State, ld *LocalDescription) (State, []Effect) {
	jsep := ld.Jsep
	switch {
	case s.Step == StepPublish && jsep.Type == "offer":
		req := janus.NewPluginMessage(ctx.tx(), ctx.SessionID, ctx.PluginID, janus.NewPublish(ld.Streams), &jsep)
		return await(s, req, nil)
	case s.Step == StepStartSubscriber && jsep.Type == "answer":
		req := janus.NewPluginMessage(ctx.tx(), ctx.SessionID, ctx.PluginID, janus.NewStart(ctx.RoomID), &jsep)
		return await(s, req, nil)
	case s.Step == StepReady && jsep.Type == "offer":
		req := janus.NewPluginMessage(ctx.tx(), ctx.SessionID, ctx.PluginID, janus.NewConfigure(ld.Streams), &jsep)
		return await(s, req, nil)
	case s.Step == StepReady && jsep.Type == "answer":
		req := janus.NewPluginMessage(ctx.tx(), ctx.SessionID, ctx.PluginID, janus.NewStart(ctx.RoomID), &jsep)
		return await(s, req, nil)
	}
	return s, nil
}

func onMessage(ctx *Context, s State, m *janus.Message) (State, []Effect) {
	if s.Step == StepReady {
		return onReady(s, m)
	}
	if !s.Awaits(m.Transaction) {
		return s, nil
	}
	switch m.Kind {
	case janus.KindAck:
		return s, nil
	case janus.KindError:
		return fail(s, m.Err)
	case janus.KindPluginError:
		if s.Step == StepCreateRoom && m.Err.Code == janus.RoomErrRoomExists {
			return next(ctx, s, nil)
		}
		return fail(s, m.Err)
	}

	switch s.Step {
	case StepInfo:
		if m.Kind == janus.KindServerInfo {
			return next(ctx, s, []Effect{SetSessionTimeout{Timeout: m.SessionTimeout}})
		}
	case StepCreateSession:
		if m.Kind == janus.KindSuccess {
			ctx.SessionID = m.ID
			return next(ctx, s, []Effect{SetSessionID{ID: m.ID}})
		}
	case StepAttachPlugin:
		if m.Kind == janus.KindSuccess {
			ctx.PluginID = m.ID
			return next(ctx, s, []Effect{SetPluginID{ID: m.ID}})
		}
	case StepCreateRoom:
		if m.Kind == janus.KindRoomCreated {
			return next(ctx, s, nil)
		}
	case StepJoinPublisher:
		if m.Kind == janus.KindRoomJoined {
			return next(ctx, s, []Effect{
				SetPublisherID{ID: m.ID, Publishers: m.Publishers},
				SetupPublisherMedia{},
			})
		}
	case StepPublish:
		if m.Kind == janus.KindRoomEvent && m.Jsep != nil {
			return next(ctx, s, []Effect{ApplyRemoteSDP{Jsep: *m.Jsep}})
		}
	case StepJoinSubscriber:
		if m.Kind == janus.KindRoomAttached {
			if m.Jsep == nil || m.Jsep.Type != "offer" {
				return fail(s, ErrMissingJsep)
			}
			return next(ctx, s, []Effect{ApplyRemoteSDP{Jsep: *m.Jsep}})
		}
	case StepStartSubscriber:
		if m.Kind == janus.KindRoomEvent {
			return next(ctx, s, nil)
		}
	}
	return s, nil
}

// onReady handles renegotiation once the chain is complete. Failed
// renegotiations are logged by the handler, the session stays up.
func onReady(s State, m *janus.Message) (State, []Effect) {
	awaited := s.Awaits(m.Transaction)
	if awaited && m.Kind != janus.KindAck {
		s.Transaction = ""
		s.Pending = nil
	}
	if m.Jsep == nil {
		return s, nil
	}
	switch {
	case awaited && m.Jsep.Type == "answer":
		return s, []Effect{ApplyRemoteSDP{Jsep: *m.Jsep}}
	case m.Jsep.Type == "offer":
		return s, []Effect{ApplyRemoteSDP{Jsep: *m.Jsep}}
	}
	return s, nil
}
