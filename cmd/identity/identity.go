package identity

import "strings"

// Identity is the user profile bound to a connection after validation.
type Identity struct {
	UserID        string
	DisplayName   string
	AvatarURL     string
	Authenticated bool
}

// Anonymous is the unauthenticated identity used by health-check connections.
// It may never join a room's presence or receive room broadcasts.
var Anonymous = Identity{}

// New builds an authenticated identity from validator output.
// It trims all fields and falls back to the user id as display name.
func New(userID, displayName, avatarURL string) Identity {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = userID
	}
	return Identity{
		UserID:        userID,
		DisplayName:   displayName,
		AvatarURL:     strings.TrimSpace(avatarURL),
		Authenticated: userID != "",
	}
}

// IsAuthenticated reports whether the identity may participate in a room.
func (i Identity) IsAuthenticated() bool {
	return i.Authenticated && i.UserID != ""
}
