package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/attkit/pkg/att"
)

// FormatUserError turns errors from the ATT layer into one line a user can act on.
func FormatUserError(err error) string {
	var aerr *att.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the peer (increase --timeout)"
	case errors.Is(err, att.ErrConnectionLost):
		return "connection lost before the write completed"
	case errors.Is(err, att.ErrQueueFull):
		return "too many requests pending on the connection"
	case !errors.As(err, &aerr):
		return err.Error()
	}

	switch aerr.Status {
	case att.StatusBadData:
		return "peer response did not match the request; write aborted before commit"
	case att.StatusBadDataLength:
		if aerr.Cause != nil {
			return fmt.Sprintf("value too long: %v", aerr.Cause)
		}
		return "value too long"
	case att.StatusPeer:
		return fmt.Sprintf("peer rejected the request on handle 0x%04x: %s", aerr.Handle, aerr.ATT.Error())
	default:
		return aerr.Error()
	}
}
