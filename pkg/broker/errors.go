package broker

import "errors"

var ErrClosed = errors.New("broker closed")
