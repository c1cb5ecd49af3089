package janus

import "fmt"

// Gateway core error codes.
const (
	ErrUnauthorized         = 403
	ErrUnknown              = 490
	ErrSessionNotFound      = 458
	ErrHandleNotFound       = 459
	ErrPluginNotFound       = 460
	ErrPluginAttach         = 461
	ErrPluginMessage        = 462
	ErrJsepInvalidSDP       = 465
	ErrUnexpectedAnswer     = 469
	ErrInvalidElementType   = 467
	ErrMissingMandatory     = 456
	ErrInvalidRequestPath   = 457
	ErrTransportSpecific    = 450
	ErrMissingRequest       = 452
	ErrUnknownRequest       = 453
	ErrInvalidJSON          = 454
	ErrInvalidJSONObject    = 455
	ErrSessionConflict      = 468
	ErrTokenNotFound        = 470
	ErrUnauthorizedPlugin   = 405
	ErrJsepUnknownType      = 464
	ErrTrickleInvalidStream = 466
	ErrPluginDetach         = 463
)

// Video room plugin error codes.
const (
	RoomErrUnknown          = 499
	RoomErrNoMessage        = 421
	RoomErrInvalidJSON      = 422
	RoomErrInvalidRequest   = 423
	RoomErrJoinFirst        = 424
	RoomErrAlreadyJoined    = 425
	RoomErrNoSuchRoom       = 426
	RoomErrRoomExists       = 427
	RoomErrNoSuchFeed       = 428
	RoomErrMissingElement   = 429
	RoomErrInvalidElement   = 430
	RoomErrInvalidSDPType   = 431
	RoomErrPublishersFull   = 432
	RoomErrUnauthorized     = 433
	RoomErrAlreadyPublished = 434
	RoomErrNotPublished     = 435
	RoomErrIDExists         = 436
	RoomErrInvalidSDP       = 437
)

// Error is a failure reported by the gateway or one of its plugins.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}
