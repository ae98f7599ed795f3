package spice

import (
	"errors"
	"fmt"

	"github.com/xfeldman/aegisvm/internal/vmerr"
)

var errShortReply = errors.New("spice: link reply shorter than declared capability arrays")

// ErrInvalidMagic, ErrVersionMismatch, and ErrAuthFailed wrap vmerr.ErrProtocol
// so callers can check with errors.Is(err, vmerr.ErrProtocol) while still
// rendering a specific message.
var (
	ErrInvalidMagic    = fmt.Errorf("invalid link magic: %w", vmerr.ErrProtocol)
	ErrVersionMismatch = fmt.Errorf("major version mismatch: %w", vmerr.ErrProtocol)
	ErrAuthFailed      = fmt.Errorf("authentication failed: %w", vmerr.ErrProtocol)
	ErrBadConnectionID = fmt.Errorf("bad connection id: %w", vmerr.ErrProtocol)
)
