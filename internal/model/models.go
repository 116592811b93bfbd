// Package model defines the data models for the referral contest bot.
package model

import "time"

// User represents a Telegram user known to the bot. Channel owners and
// contest participants share this table, just as Telegram shares the id space.
type User struct {
	ID        int64     `db:"id"`
	FirstName string    `db:"first_name"`
	LastName  *string   `db:"last_name"`
	Username  *string   `db:"username"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// DisplayName returns the best human-readable name for the user.
func (u *User) DisplayName() string {
	name := u.FirstName
	if u.LastName != nil && *u.LastName != "" {
		name += " " + *u.LastName
	}
	if u.Username != nil && *u.Username != "" {
		name += " (@" + *u.Username + ")"
	}
	return name
}

// Channel represents a chat/channel/group registered to the bot.
// One owner per channel at a time; an owner may own many channels.
type Channel struct {
	ID           int64     `db:"id"`
	RegisteredBy int64     `db:"registered_by"`
	Link         string    `db:"link"`
	Title        string    `db:"title"`
	CreatedAt    time.Time `db:"created_at"`
}

// ContestState is the lifecycle state of a contest.
type ContestState string

// Contest lifecycle: Draft -> Active -> Ended -> Closed. Closed is terminal.
const (
	ContestDraft  ContestState = "draft"
	ContestActive ContestState = "active"
	ContestEnded  ContestState = "ended"
	ContestClosed ContestState = "closed"
)

// Contest represents a referral contest bound to exactly one channel.
// At most one contest per channel may be Active at any time.
type Contest struct {
	ID         int64        `db:"id"`
	ChannelID  int64        `db:"channel_id"`
	Name       string       `db:"name"`
	Prize      string       `db:"prize"`
	PrizeCount int          `db:"prize_count"`
	State      ContestState `db:"state"`
	CreatedAt  time.Time    `db:"created_at"`
	StartedAt  *time.Time   `db:"started_at"`
	EndAt      *time.Time   `db:"end_at"`
	ClosedAt   *time.Time   `db:"closed_at"`
}

// Invitation is a participant's referral handle for one contest.
// The (contest, participant) pair is unique; re-requesting returns the same row.
type Invitation struct {
	ID            int64     `db:"id"`
	ContestID     int64     `db:"contest_id"`
	ParticipantID int64     `db:"participant_id"`
	Token         string    `db:"token"`
	JoinedCount   int64     `db:"joined_count"`
	CreatedAt     time.Time `db:"created_at"`
}

// Membership records that a user joined a channel, optionally crediting
// an invitation. Rows are never deleted: a leave flips Active to false.
type Membership struct {
	ID           int64      `db:"id"`
	ChannelID    int64      `db:"channel_id"`
	UserID       int64      `db:"user_id"`
	InvitationID *int64     `db:"invitation_id"`
	Active       bool       `db:"active"`
	JoinedAt     time.Time  `db:"joined_at"`
	LeftAt       *time.Time `db:"left_at"`
}

// Credited reports whether this membership earned an invitation a join.
// Credit survives a later leave; the count never decrements.
func (m *Membership) Credited() bool {
	return m.InvitationID != nil
}

// Winner is one row of a closed contest's persisted winner list.
type Winner struct {
	ContestID    int64 `db:"contest_id"`
	Place        int   `db:"place"`
	InvitationID int64 `db:"invitation_id"`
}

// Rank is a participant's standing in a contest ranking.
type Rank struct {
	Position    int64
	Invitation  *Invitation
	Participant *User
}

// PendingReferral bridges a deep-link click and the later join event:
// the user clicked an invitation link for a channel but has not joined yet.
type PendingReferral struct {
	ChannelID int64     `db:"channel_id"`
	UserID    int64     `db:"user_id"`
	Token     string    `db:"token"`
	CreatedAt time.Time `db:"created_at"`
}
