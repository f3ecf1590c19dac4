package rtc

import "errors"

var (
	ErrEngineFactoryMissing = errors.New("engine factory is required")
	ErrAlreadyOpen          = errors.New("connection has already been opened")
	ErrClientClosed         = errors.New("client has already closed")
)
