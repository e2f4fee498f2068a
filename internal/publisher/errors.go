package publisher

import "errors"

var (
	ErrMissingExchange    = errors.New("exchange name is not set")
	ErrMissingHost        = errors.New("broker host is not set")
	ErrMissingCredentials = errors.New("broker credentials are not set")
	ErrNoSession          = errors.New("no live broker session")
)
