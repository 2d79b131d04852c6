// services/task_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"swarmsphere/models"
	"swarmsphere/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TaskService struct {
	DB       *gorm.DB
	Profiles *ProfileService
	Advisor  *Advisor
}

func NewTaskService(db *gorm.DB, profiles *ProfileService, advisor *Advisor) *TaskService {
	return &TaskService{DB: db, Profiles: profiles, Advisor: advisor}
}

// Create validates and persists a new task in the available state.
func (s *TaskService) Create(task *models.Task) (*models.Task, error) {
	if strings.TrimSpace(task.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	if task.Reward <= 0 {
		return nil, fmt.Errorf("%w: reward must be positive", models.ErrValidation)
	}
	if !models.ValidTaskType(task.Type) {
		return nil, fmt.Errorf("%w: unknown task type %q", models.ErrValidation, task.Type)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = models.TaskStatusAvailable
	task.AssigneeID = ""
	if task.CreatorID == "" {
		task.CreatorID = "system"
	}

	if err := s.DB.Create(task).Error; err != nil {
		return nil, err
	}
	log.Printf("📋 Task created: %s (%s, reward=%d)", task.Title, task.Type, task.Reward)
	return task, nil
}

// Claim assigns an available task to the user. The locked read serializes
// concurrent claims so exactly one wins; the rest get ErrInvalidState.
func (s *TaskService) Claim(taskID, userID string) (*models.Task, error) {
	if _, err := s.Profiles.GetOrCreate(userID); err != nil {
		return nil, err
	}

	var task models.Task
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&task, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
			}
			return err
		}
		if task.Status != models.TaskStatusAvailable {
			return fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrInvalidState)
		}

		task.Status = models.TaskStatusInProgress
		task.AssigneeID = userID
		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Complete moves an in-progress task to pending_review. Assignee only.
func (s *TaskService) Complete(taskID, userID string) (*models.Task, error) {
	var task models.Task
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&task, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
			}
			return err
		}
		if task.Status != models.TaskStatusInProgress {
			return fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrInvalidState)
		}
		if task.AssigneeID != userID {
			return fmt.Errorf("only the assignee can complete the task: %w", models.ErrInvalidOperation)
		}

		task.Status = models.TaskStatusPendingReview
		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Review resolves a pending_review task. Approval pays the reward to the
// assignee and bumps their completion counter; rejection puts the task back in
// the pool with the assignee cleared.
func (s *TaskService) Review(taskID string, approve bool) (*models.Task, error) {
	var task models.Task
	var payoutUser string
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&task, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
			}
			return err
		}
		if task.Status != models.TaskStatusPendingReview {
			return fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrInvalidState)
		}

		if approve {
			payoutUser = task.AssigneeID
			task.Status = models.TaskStatusCompleted
			if err := tx.Model(&models.UserProfile{}).
				Where("id = ?", task.AssigneeID).
				UpdateColumn("tasks_completed", gorm.Expr("tasks_completed + 1")).Error; err != nil {
				return err
			}
		} else {
			task.Status = models.TaskStatusAvailable
			task.AssigneeID = ""
		}
		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}

	if payoutUser != "" {
		if _, err := s.Profiles.AwardPoints(payoutUser, task.Reward, "task completed: "+task.Title); err != nil {
			log.Printf("⚠️  task payout failed for %s: %v", payoutUser, err)
		}
		s.maybeGrantTaskTitan(payoutUser)
	}

	log.Printf("✅ Task %s reviewed: approve=%t status=%s", taskID, approve, task.Status)
	return &task, nil
}

// maybeGrantTaskTitan grants the milestone once the user clears 10 completed
// tasks. Absorbed on failure.
func (s *TaskService) maybeGrantTaskTitan(userID string) {
	var prof models.UserProfile
	if err := s.DB.First(&prof, "id = ?", userID).Error; err != nil {
		return
	}
	if prof.TasksCompleted >= 10 {
		if err := s.Profiles.GrantAchievementByCode(userID, models.AchievementTaskTitan); err != nil {
			log.Printf("⚠️  task milestone grant failed for %s: %v", userID, err)
		}
	}
}

// Recommend orders the available tasks for a user. Advisory consult first;
// when it is unavailable the fallback ranks by required-skill overlap with the
// user's profile, then by reward descending.
func (s *TaskService) Recommend(ctx context.Context, userID string, limit int) ([]models.Task, error) {
	prof, err := s.Profiles.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}

	var available []models.Task
	if err := s.DB.Where("status = ?", models.TaskStatusAvailable).
		Order("created_at DESC").
		Find(&available).Error; err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(available) {
		limit = len(available)
	}
	if len(available) == 0 {
		return []models.Task{}, nil
	}

	if s.Advisor != nil {
		titles := make([]string, len(available))
		byTitle := make(map[string]models.Task, len(available))
		for i, t := range available {
			titles[i] = t.Title
			byTitle[t.Title] = t
		}

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rec, err := s.Advisor.RecommendTasks(cctx, prof.Skills, prof.Location, prof.DeviceCapabilities, titles)
		cancel()
		if err == nil {
			var picked []models.Task
			seen := map[string]bool{}
			for _, title := range rec.RecommendedTasks {
				if t, ok := byTitle[title]; ok && !seen[t.ID] {
					picked = append(picked, t)
					seen[t.ID] = true
				}
			}
			// Pad with the deterministic ordering if the advisor named too few.
			for _, t := range rankBySkillFit(available, prof.Skills) {
				if len(picked) >= limit {
					break
				}
				if !seen[t.ID] {
					picked = append(picked, t)
					seen[t.ID] = true
				}
			}
			if len(picked) > limit {
				picked = picked[:limit]
			}
			if len(picked) > 0 {
				return picked, nil
			}
		} else {
			log.Printf("💡 task recommendation fell back to skill matching: %v", err)
		}
	}

	ranked := rankBySkillFit(available, prof.Skills)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// rankBySkillFit sorts tasks by how many required skills the user holds,
// breaking ties by reward descending then title for stability.
func rankBySkillFit(tasks []models.Task, skills []string) []models.Task {
	skillSet := make(map[string]bool, len(skills))
	for _, sk := range skills {
		skillSet[strings.ToLower(strings.TrimSpace(sk))] = true
	}
	overlap := func(t models.Task) int {
		n := 0
		for _, req := range t.RequiredSkills {
			if skillSet[strings.ToLower(strings.TrimSpace(req))] {
				n++
			}
		}
		return n
	}

	ranked := make([]models.Task, len(tasks))
	copy(ranked, tasks)
	sort.SliceStable(ranked, func(i, j int) bool {
		oi, oj := overlap(ranked[i]), overlap(ranked[j])
		if oi != oj {
			return oi > oj
		}
		if ranked[i].Reward != ranked[j].Reward {
			return ranked[i].Reward > ranked[j].Reward
		}
		return ranked[i].Title < ranked[j].Title
	})
	return ranked
}

// --- HTTP handlers ---

func (s *TaskService) CreateTask(c *fiber.Ctx) error {
	var req struct {
		Title          string   `json:"title" validate:"required"`
		Description    string   `json:"description"`
		Reward         int64    `json:"reward" validate:"required,min=1"`
		Type           string   `json:"type" validate:"required"`
		RequiredSkills []string `json:"required_skills"`
		SphereID       *string  `json:"sphere_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	task := &models.Task{
		Title:          req.Title,
		Description:    req.Description,
		Reward:         req.Reward,
		Type:           models.TaskType(req.Type),
		RequiredSkills: models.StringList(req.RequiredSkills),
		SphereID:       req.SphereID,
		CreatorID:      c.Locals("user_id").(string),
	}
	created, err := s.Create(task)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *TaskService) UploadTaskImage(c *fiber.Ctx) error {
	taskID := c.Params("id")
	var task models.Task
	if err := s.DB.First(&task, "id = ?", taskID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
	}

	image, err := c.FormFile("image")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "image file required"})
	}
	ext := filepath.Ext(image.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	key := "tasks/" + uuid.NewString() + ext
	url, err := utils.UploadFileToR2(image, key)
	if err != nil {
		log.Printf("❌ task image upload failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "upload failed"})
	}

	if err := s.DB.Model(&task).Update("image_url", url).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to save image URL"})
	}
	return c.JSON(fiber.Map{"image_url": url})
}

// GetAllTasks lists tasks, filterable by status and type.
func (s *TaskService) GetAllTasks(c *fiber.Ctx) error {
	q := s.DB.Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if taskType := c.Query("type"); taskType != "" {
		q = q.Where("type = ?", taskType)
	}

	var tasks []models.Task
	if err := q.Find(&tasks).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch tasks"})
	}
	return c.JSON(tasks)
}

func (s *TaskService) GetTaskByID(c *fiber.Ctx) error {
	var task models.Task
	if err := s.DB.First(&task, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(task)
}

func (s *TaskService) ClaimTask(c *fiber.Ctx) error {
	task, err := s.Claim(c.Params("id"), c.Locals("user_id").(string))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(task)
}

func (s *TaskService) CompleteTask(c *fiber.Ctx) error {
	task, err := s.Complete(c.Params("id"), c.Locals("user_id").(string))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(task)
}

// ReviewTask is the admin review endpoint.
func (s *TaskService) ReviewTask(c *fiber.Ctx) error {
	var req struct {
		Approve *bool `json:"approve" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil || req.Approve == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "approve (true/false) required"})
	}

	task, err := s.Review(c.Params("id"), *req.Approve)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(task)
}

// GetRecommendedTasks returns the personalized task ordering for the caller.
func (s *TaskService) GetRecommendedTasks(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	tasks, err := s.Recommend(c.UserContext(), c.Locals("user_id").(string), limit)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "recommendation failed", "cause": err.Error()})
	}
	return c.JSON(tasks)
}
