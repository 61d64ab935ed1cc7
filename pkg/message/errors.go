package message

import "errors"

// Message errors.
var (
	ErrMessageTooShort  = errors.New("message: data too short")
	ErrInvalidVersion   = errors.New("message: unsupported version")
	ErrUnsupportedFlags = errors.New("message: unsupported header flags")
	ErrPayloadTooShort  = errors.New("message: payload too short for protocol header")
	ErrMessageTooLong   = errors.New("message: exceeds maximum size")

	ErrStatusReportTooShort = errors.New("message: status report too short")
)
