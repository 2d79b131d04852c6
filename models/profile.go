package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StringList stores an ordered list of strings as a JSON column. Used for
// profile skills and sphere governance rules so the entities stay flat,
// id-keyed documents.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
}

// UserProfile is the authoritative profile record, keyed directly by the
// identity provider's UID (opaque string forwarded by the gateway).
// Created lazily on first authenticated request; soft-deleted only.
type UserProfile struct {
	ID                 string     `gorm:"primaryKey" json:"id"`
	Name               string     `json:"name"`
	Bio                string     `gorm:"type:text" json:"bio"`
	AvatarURL          string     `gorm:"type:text" json:"avatar_url,omitempty"`
	Skills             StringList `gorm:"type:jsonb" json:"skills"`
	Location           string     `json:"location"`
	DeviceCapabilities string     `json:"device_capabilities"`

	// Reward bookkeeping. Level and progress are denormalized from SwarmPoints
	// via the fixed threshold table in services (recomputed on every award).
	SwarmPoints          int64 `json:"swarm_points" gorm:"default:0"`
	Level                int   `json:"level" gorm:"default:1"`
	LevelProgressPercent int   `json:"level_progress_percent" gorm:"default:0"`

	// Activity counters
	QuestsJoined   int64 `json:"quests_joined" gorm:"default:0"`
	TasksCompleted int64 `json:"tasks_completed" gorm:"default:0"`

	TwitterHandle string `json:"twitter_handle,omitempty"`
	LensHandle    string `json:"lens_handle,omitempty"`

	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps

	// Derived on read from sphere_members rows (weak reference, reconciled on
	// read). Not stored on the profile document.
	JoinedSpheres []string `json:"joined_spheres,omitempty" gorm:"-"`

	Achievements []Achievement `json:"achievements,omitempty" gorm:"-"`
}

// Achievement is an immutable catalog entry. IconName keys the client's icon
// map; IconURL is an optional uploaded asset.
type Achievement struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Code        string    `gorm:"uniqueIndex;not null" json:"code"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	IconName    string    `json:"icon_name"`
	IconURL     string    `gorm:"type:text" json:"icon_url,omitempty"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// UserAchievement links a profile to an earned achievement. Append-only; the
// unique index makes re-grants no-ops.
type UserAchievement struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"uniqueIndex:idx_user_achievement;not null" json:"user_id"`
	AchievementID string    `gorm:"uniqueIndex:idx_user_achievement;not null" json:"achievement_id"`
	EarnedAt      time.Time `json:"earned_at" gorm:"autoCreateTime"`
}

// Achievement codes granted automatically by the services.
const (
	AchievementQuestConqueror  = "QUEST_CONQUEROR"
	AchievementSphereFounder   = "SPHERE_FOUNDER"
	AchievementTaskTitan       = "TASK_TITAN"
	AchievementCommunityPillar = "COMMUNITY_PILLAR"
)

// AchievementCatalog is the seeded badge set, upserted at startup.
var AchievementCatalog = []Achievement{
	{
		Code:        AchievementQuestConqueror,
		Name:        "Quest Conqueror",
		Description: "Earned rewards from a completed quest quorum",
		IconName:    "Award",
	},
	{
		Code:        AchievementSphereFounder,
		Name:        "Sphere Founder",
		Description: "Founded a community sphere",
		IconName:    "Users",
	},
	{
		Code:        AchievementTaskTitan,
		Name:        "Task Titan",
		Description: "Completed a reviewed task",
		IconName:    "Star",
	},
	{
		Code:        AchievementCommunityPillar,
		Name:        "Community Pillar",
		Description: "Reached level 5",
		IconName:    "ShieldCheck",
	},
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
