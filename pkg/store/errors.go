package store

import "errors"

var ErrInvalidUser = errors.New("user id is required")
