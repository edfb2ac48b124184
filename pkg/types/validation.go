package types

import "regexp"

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks the handshake-supplied user id format.
// The relay never verifies the identity behind the id (the HTTP layer in
// front of this service owns authentication); this only rejects ids that
// could not have been issued by the user service.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}
