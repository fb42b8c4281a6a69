package mdns

import "errors"

// ErrAlreadyStarted is returned by Engine.Start when called twice.
var ErrAlreadyStarted = errors.New("mdns: engine already started")
