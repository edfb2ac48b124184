package types

import "errors"

var (
	ErrInvalidUserID     = errors.New("user ID must be 1-64 characters, alphanumeric plus underscore/hyphen")
	ErrMissingReceiverID = errors.New("receiverId is required")
	ErrMissingMessage    = errors.New("message is required")
)
