package producer

import "errors"

var (
	errExpired     = errors.New("transaction expired before pending block time")
	errDuplicate   = errors.New("transaction id already known")
	errFutureBlock = errors.New("block timestamp too far in the future")
)
