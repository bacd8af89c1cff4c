package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Startup errors — fatal.
	ErrConfigMissing   = errors.New("config file not found")
	ErrConfigMalformed = errors.New("config file is malformed")
	ErrBindFailed      = errors.New("failed to bind local listener")

	// Wire codec errors — recoverable, surfaced as DecodeError; the
	// transport drops the connection and reports it as PeerLost.
	ErrDecodeShortRead    = errors.New("short read decoding frame")
	ErrDecodeUnknownType  = errors.New("unknown message type byte")
	ErrDecodeBadListLen   = errors.New("invalid node list length")
	ErrDecodeBadEnumValue = errors.New("invalid enum byte")

	// Transport errors — recoverable, treated as Ctl::PeerLost.
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportRead    = errors.New("transport read failed")
	ErrTransportClosed  = errors.New("transport connection closed")
	ErrTransportTimeout = errors.New("transport write timed out")

	// Engine errors — recoverable, logged and dropped, never fatal.
	ErrUnknownPeerSend = errors.New("no writer registered for peer")

	// View store errors.
	ErrIsSelf      = errors.New("peer id is the local node")
	ErrActiveFull  = errors.New("active view is full")
	ErrPassiveFull = errors.New("passive view is full")
	ErrNotInView   = errors.New("peer not present in view")
)
