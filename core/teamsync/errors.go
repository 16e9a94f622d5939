package teamsync

import "errors"

var (
	// ErrSignatureInvalid marks an envelope whose MAC does not match its team key.
	ErrSignatureInvalid = errors.New("signature_invalid")
	// ErrSyncGap marks a remote update that skips versions the peer has not seen.
	ErrSyncGap = errors.New("sync_gap")
	// ErrUnknownMessageType marks an envelope with a message_type this build does not know.
	ErrUnknownMessageType = errors.New("unknown_message_type")
	// ErrMalformedEnvelope marks a frame that fails shape or payload checks.
	ErrMalformedEnvelope = errors.New("malformed_envelope")
)
