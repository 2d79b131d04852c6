package models

import "time"

type QuestStatus string

const (
	QuestStatusOpen QuestStatus = "open"
	// AwaitingQuorum is part of the wire/data vocabulary but is never assigned
	// by the engine: quests created here go open → in_progress directly. It
	// occurs only in records written by external importers; such quests stay
	// joinable and cross quorum exactly like open ones.
	QuestStatusAwaitingQuorum QuestStatus = "awaiting_quorum"
	QuestStatusInProgress     QuestStatus = "in_progress"
	QuestStatusCompleted      QuestStatus = "completed"
	QuestStatusFailed         QuestStatus = "failed"
)

// Terminal reports whether a quest status permits no further transitions.
func (s QuestStatus) Terminal() bool {
	return s == QuestStatusCompleted || s == QuestStatusFailed
}

// Joinable statuses: a participant may still be added.
func (s QuestStatus) Joinable() bool {
	return s == QuestStatusOpen || s == QuestStatusAwaitingQuorum || s == QuestStatusInProgress
}

// Quest is a group task that activates once enough participants join.
// Invariants enforced by QuestService:
//   - RewardPerUser * RequiredUsers == TotalReward (checked at create)
//   - 0 <= CurrentUsers <= RequiredUsers
//   - status never re-enters open; completed/failed are terminal
//   - LeaderID is write-once, set on the quorum transition
type Quest struct {
	ID               string      `gorm:"primaryKey" json:"id"`
	Title            string      `gorm:"not null" json:"title"`
	Description      string      `gorm:"type:text" json:"description"`
	TotalReward      int64       `gorm:"not null" json:"total_reward"`
	RewardPerUser    int64       `gorm:"not null" json:"reward_per_user"`
	RequiredUsers    int         `gorm:"not null" json:"required_users"`
	CurrentUsers     int         `gorm:"default:0" json:"current_users"`
	QuorumPercentage int         `gorm:"default:80" json:"quorum_percentage"`
	LeaderID         *string     `gorm:"index" json:"leader_id,omitempty"`
	Status           QuestStatus `gorm:"type:varchar(16);default:'open';index" json:"status"`
	ImageURL         string      `gorm:"type:text" json:"image_url,omitempty"`
	Deadline         *time.Time  `gorm:"index" json:"deadline,omitempty"`
	CreatorID        string      `gorm:"index" json:"creator_id"`

	Timestamps

	Participants []QuestParticipant `json:"participants,omitempty" gorm:"foreignKey:QuestID"`

	// Calculated, not stored
	ProgressPercent float64 `json:"progress_percent" gorm:"-"`
}

// QuestParticipant records a join. PointsAtJoin snapshots the participant's
// swarm points at join time for the deterministic leader tie-break.
type QuestParticipant struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	QuestID      string    `gorm:"uniqueIndex:idx_quest_participant;not null" json:"quest_id"`
	UserID       string    `gorm:"uniqueIndex:idx_quest_participant;not null" json:"user_id"`
	PointsAtJoin int64     `json:"points_at_join" gorm:"default:0"`
	JoinedAt     time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// QuestTask associates tasks with a quest (task IDs only).
type QuestTask struct {
	ID      string `gorm:"primaryKey" json:"id"`
	QuestID string `gorm:"uniqueIndex:idx_quest_task;not null" json:"quest_id"`
	TaskID  string `gorm:"uniqueIndex:idx_quest_task;not null" json:"task_id"`
}
