package models

import "time"

// Sphere is a member-governed community with its own task set and rule list.
// MemberCount has floor 1 — the creator cannot leave while last member, and
// spheres are never dissolved.
type Sphere struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"not null" json:"name"`
	Slug        string     `gorm:"uniqueIndex;not null" json:"slug"`
	Description string     `gorm:"type:text" json:"description"`
	ImageURL    string     `gorm:"type:text" json:"image_url,omitempty"`
	MemberCount int        `gorm:"default:1" json:"member_count"`
	Rules       StringList `gorm:"type:jsonb" json:"rules"`
	TotalStaked int64      `gorm:"default:0" json:"total_staked"`
	CreatorID   string     `gorm:"index;not null" json:"creator_id"`

	Timestamps
}

type SphereRole string

const (
	SphereRoleMember    SphereRole = "member"
	SphereRoleModerator SphereRole = "moderator"
	SphereRoleAdmin     SphereRole = "admin"
)

type SphereMember struct {
	ID       string     `gorm:"primaryKey" json:"id"`
	SphereID string     `gorm:"uniqueIndex:idx_sphere_member;not null" json:"sphere_id"`
	UserID   string     `gorm:"uniqueIndex:idx_sphere_member;not null" json:"user_id"`
	Role     SphereRole `gorm:"type:varchar(16);default:'member'" json:"role"`
	JoinedAt time.Time  `json:"joined_at" gorm:"autoCreateTime"`
}

// SphereTask associates a task with a sphere by id only (no embedded task
// documents).
type SphereTask struct {
	ID       string `gorm:"primaryKey" json:"id"`
	SphereID string `gorm:"uniqueIndex:idx_sphere_task;not null" json:"sphere_id"`
	TaskID   string `gorm:"uniqueIndex:idx_sphere_task;not null" json:"task_id"`
}

type ProposalStatus string

const (
	ProposalStatusVoting ProposalStatus = "voting"
	ProposalStatusPassed ProposalStatus = "passed"
	ProposalStatusFailed ProposalStatus = "failed"
)

// SphereProposal is a simple-majority governance proposal. Tallies are
// recounted from ProposalVote rows on every vote; the terminal status is set
// once the voting window closes.
type SphereProposal struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	SphereID     string         `gorm:"index;not null" json:"sphere_id"`
	Title        string         `gorm:"not null" json:"title"`
	Description  string         `gorm:"type:text" json:"description"`
	ProposerID   string         `gorm:"index;not null" json:"proposer_id"`
	Status       ProposalStatus `gorm:"type:varchar(16);default:'voting';index" json:"status"`
	VotesFor     int            `gorm:"default:0" json:"votes_for"`
	VotesAgainst int            `gorm:"default:0" json:"votes_against"`
	VotingEndsAt time.Time      `gorm:"index;not null" json:"voting_ends_at"`

	Timestamps
}

// ProposalVote holds one row per (proposal, user); a re-vote overwrites the
// previous choice via upsert on the unique index.
type ProposalVote struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	ProposalID string    `gorm:"uniqueIndex:idx_proposal_vote;not null" json:"proposal_id"`
	UserID     string    `gorm:"uniqueIndex:idx_proposal_vote;not null" json:"user_id"`
	Support    bool      `json:"support"`
	VotedAt    time.Time `json:"voted_at" gorm:"autoUpdateTime"`
}
