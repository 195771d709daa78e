package model

// InviteDirection distinguishes invites we sent from invites we received.
type InviteDirection string

const (
	InviteIn  InviteDirection = "in"
	InviteOut InviteDirection = "out"
)

// InviteStatus is the lifecycle state of an invite.
type InviteStatus string

const (
	// InvitePending means the invite has been sent or received but the
	// counter-party's accept has not been processed yet.
	InvitePending InviteStatus = "pending"

	// InviteAcked means the accept reply has been processed and both
	// sides have pinned each other's keys.
	InviteAcked InviteStatus = "acked"
)

// Invite is one entry in the invite ledger.
type Invite struct {
	InviteID  string          `json:"invite_id"`
	Direction InviteDirection `json:"direction"`
	FromEmail string          `json:"from_email"`
	ToEmail   string          `json:"to_email"`
	Subject   string          `json:"subject"`
	Status    InviteStatus    `json:"status"`
	CreatedAt int64           `json:"created_at"` // epoch seconds
}
