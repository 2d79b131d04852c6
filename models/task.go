package models

// TaskType is the closed set of micro-task categories.
type TaskType string

const (
	TaskTypeDataAnnotation TaskType = "data_annotation"
	TaskTypeSurvey         TaskType = "survey"
	TaskTypeAppTesting     TaskType = "app_testing"
	TaskTypeAIComputation  TaskType = "ai_computation"
	TaskTypeRWAVerify      TaskType = "rwa_verification"
	TaskTypeDeSciData      TaskType = "desci_data_collection"
)

// ValidTaskType reports whether t is one of the closed enum values.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeDataAnnotation, TaskTypeSurvey, TaskTypeAppTesting,
		TaskTypeAIComputation, TaskTypeRWAVerify, TaskTypeDeSciData:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusAvailable     TaskStatus = "available"
	TaskStatusInProgress    TaskStatus = "in_progress"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusPendingReview TaskStatus = "pending_review"
)

// Task is a single micro-task. While in_progress it is held by exactly one
// assignee; the reward is paid out on review approval.
type Task struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Title          string     `gorm:"not null" json:"title"`
	Description    string     `gorm:"type:text" json:"description"`
	Reward         int64      `gorm:"not null" json:"reward"` // SPHERE points, > 0
	Type           TaskType   `gorm:"type:varchar(32);not null;index" json:"type"`
	RequiredSkills StringList `gorm:"type:jsonb" json:"required_skills,omitempty"`
	ImageURL       string     `gorm:"type:text" json:"image_url,omitempty"`
	Status         TaskStatus `gorm:"type:varchar(16);default:'available';index" json:"status"`
	CreatorID      string     `gorm:"index" json:"creator_id"` // UID or "system"
	AssigneeID     string     `gorm:"index" json:"assignee_id,omitempty"`
	SphereID       *string    `gorm:"index" json:"sphere_id,omitempty"`

	Timestamps
}
