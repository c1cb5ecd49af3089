package app

import "github.com/dkeye/speechgate/internal/domain"

type SpeechAction int

const (
	// Grant inserts the new request; nobody held the floor.
	Grant SpeechAction = iota
	// RejectPending evicts a holder the gateway never confirmed.
	RejectPending
	// StopActive tears down a confirmed speaker first.
	StopActive
)

type JoinAction int

const (
	AcceptJoin JoinAction = iota
	KickJoin
)

// Policy arbitrates the floor.
type Policy interface {
	OnSpeechRequest(current *domain.Publisher) SpeechAction
	OnPublisherJoined(pending *domain.Publisher, joined domain.Publisher) JoinAction
}

// SingleSpeakerPolicy allows one remote speaker and rejects every join nobody
// asked for.
type SingleSpeakerPolicy struct{}

func (SingleSpeakerPolicy) OnSpeechRequest(current *domain.Publisher) SpeechAction {
	switch {
	case current == nil:
		return Grant
	case current.Confirmed():
		return StopActive
	default:
		return RejectPending
	}
}

func (SingleSpeakerPolicy) OnPublisherJoined(pending *domain.Publisher, joined domain.Publisher) JoinAction {
	if pending == nil || pending.Confirmed() || joined.ID == 0 {
		return KickJoin
	}
	return AcceptJoin
}
