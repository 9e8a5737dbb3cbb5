package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvitationStatus is derived from the expiry timestamp at read time and is
// never persisted.
type InvitationStatus string

const (
	StatusPending InvitationStatus = "PENDING"
	StatusExpired InvitationStatus = "EXPIRED"
)

// Invitation invites an existing user of the parent organization into one of
// its child organizations. The confirmation code is the single-use secret
// mailed to the user.
type Invitation struct {
	ID               string
	ConfirmationCode string
	Username         string
	UserDomain       string
	Email            string
	UserOrgID        uuid.UUID
	InvitedOrgID     uuid.UUID
	UserRedirectURL  string
	RoleAssignments  []uuid.UUID
	CreatedAt        time.Time
	ExpiredAt        time.Time
}

func (i Invitation) Status(now time.Time) InvitationStatus {
	if now.After(i.ExpiredAt) {
		return StatusExpired
	}
	return StatusPending
}

// InvitationCreatedEvent is published after an invitation row is committed
// so the notification channel can deliver the confirmation code.
type InvitationCreatedEvent struct {
	InvitationID     string
	ConfirmationCode string
	Username         string
	UserDomain       string
	Email            string
	UserOrgID        uuid.UUID
	InvitedOrgID     uuid.UUID
	RedirectURL      string
}
