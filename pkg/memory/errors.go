package memory

import "errors"

var (
	// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid memory date")

	ErrUnknownPolicy  = errors.New("unknown retention policy")
	ErrUnknownBackend = errors.New("unknown memory backend")
)
