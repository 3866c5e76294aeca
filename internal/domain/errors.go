package domain

import "errors"

var (
	ErrInvalidReference    = errors.New("invalid reference")
	ErrUnknownRun          = errors.New("unknown run")
	ErrRunAlreadyTerminal  = errors.New("run already terminal")
	ErrNoActiveGate        = errors.New("no active gate")
	ErrSandboxDisconnected = errors.New("sandbox disconnected")
	ErrSubscriberOverrun   = errors.New("subscriber overrun")
	ErrMalformedEvent      = errors.New("malformed event")
	ErrRunRejected         = errors.New("run rejected by admission policy")
	ErrGateTimeout         = errors.New("gate timeout")
)
