package cachestore

import (
	"errors"
	"fmt"
)

var errRoundTripMismatch = errors.New("round trip value mismatch")

func errUnexpectedReply(length int) error {
	return fmt.Errorf("unexpected script reply length: %d", length)
}
