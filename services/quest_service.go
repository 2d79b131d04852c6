// services/quest_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"time"

	"swarmsphere/models"
	"swarmsphere/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QuestService struct {
	DB       *gorm.DB
	Profiles *ProfileService
	Advisor  *Advisor
}

func NewQuestService(db *gorm.DB, profiles *ProfileService, advisor *Advisor) *QuestService {
	return &QuestService{DB: db, Profiles: profiles, Advisor: advisor}
}

// Create validates and persists a new quest. TotalReward must equal
// RewardPerUser * RequiredUsers; a zero TotalReward is derived from the other
// two.
func (s *QuestService) Create(quest *models.Quest) error {
	if quest.Title == "" {
		return fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	if quest.RequiredUsers <= 0 {
		return fmt.Errorf("%w: required_users must be positive", models.ErrValidation)
	}
	if quest.RewardPerUser <= 0 {
		return fmt.Errorf("%w: reward_per_user must be positive", models.ErrValidation)
	}
	if quest.QuorumPercentage < 0 || quest.QuorumPercentage > 100 {
		return fmt.Errorf("%w: quorum_percentage must be within 0-100", models.ErrValidation)
	}
	expected := quest.RewardPerUser * int64(quest.RequiredUsers)
	if quest.TotalReward == 0 {
		quest.TotalReward = expected
	} else if quest.TotalReward != expected {
		return fmt.Errorf("%w: total_reward must equal reward_per_user * required_users", models.ErrValidation)
	}

	if quest.ID == "" {
		quest.ID = uuid.NewString()
	}
	quest.Status = models.QuestStatusOpen
	quest.CurrentUsers = 0
	quest.LeaderID = nil

	return s.DB.Create(quest).Error
}

// Join adds a participant. The quest row is locked for the whole
// read-modify-write so concurrent joins serialize: CurrentUsers never exceeds
// RequiredUsers and the quorum transition fires exactly once. A duplicate join
// by the same user is an idempotent success.
func (s *QuestService) Join(questID, userID string) (*models.Quest, error) {
	// Ensure the profile exists first so the points snapshot and the later
	// reward payout have a target. Outside the quest tx — profile creation is
	// an independent aggregate.
	prof, err := s.Profiles.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}

	var quest models.Quest
	quorumCrossed := false

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&quest, "id = ?", questID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("quest %s: %w", questID, models.ErrNotFound)
			}
			return err
		}

		if !quest.Status.Joinable() {
			return fmt.Errorf("quest %s is %s: %w", questID, quest.Status, models.ErrInvalidState)
		}

		// The duplicate check runs before the capacity check: a participant
		// retrying a join must get the idempotent success even once the quest
		// has filled up.
		participant := models.QuestParticipant{
			ID:           uuid.NewString(),
			QuestID:      questID,
			UserID:       userID,
			PointsAtJoin: prof.SwarmPoints,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&participant)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already a participant — no recount, no transition.
			return nil
		}
		if quest.CurrentUsers >= quest.RequiredUsers {
			// Rolls the insert above back with the transaction.
			return fmt.Errorf("quest %s: %w", questID, models.ErrAlreadyFull)
		}

		if err := tx.Model(&models.UserProfile{}).
			Where("id = ?", userID).
			UpdateColumn("quests_joined", gorm.Expr("quests_joined + 1")).Error; err != nil {
			return err
		}

		quest.CurrentUsers++
		progress := float64(quest.CurrentUsers) / float64(quest.RequiredUsers) * 100
		quest.ProgressPercent = progress

		if quest.Status == models.QuestStatusOpen || quest.Status == models.QuestStatusAwaitingQuorum {
			if progress >= float64(quest.QuorumPercentage) {
				quest.Status = models.QuestStatusInProgress
				quorumCrossed = true
			}
		}

		return tx.Save(&quest).Error
	})
	if err != nil {
		return nil, err
	}

	if quorumCrossed {
		log.Printf("✅ Quest %s reached quorum (%d/%d participants)", questID, quest.CurrentUsers, quest.RequiredUsers)
		s.onQuorumReached(&quest)
	}

	return &quest, nil
}

// onQuorumReached runs the one-time quorum side effects: leader selection and
// the per-participant reward payout. Advisory failures are absorbed here.
func (s *QuestService) onQuorumReached(quest *models.Quest) {
	if _, err := s.SelectLeader(quest.ID); err != nil {
		log.Printf("⚠️  leader selection failed for quest %s: %v", quest.ID, err)
	}

	reward, reasoning, err := s.ComputeReward(quest.ID)
	if err != nil {
		log.Printf("⚠️  reward computation failed for quest %s: %v", quest.ID, err)
		return
	}
	if reasoning != "" {
		log.Printf("💡 Quest %s reward adjusted to %d: %s", quest.ID, reward, reasoning)
	}

	var participants []models.QuestParticipant
	if err := s.DB.Where("quest_id = ?", quest.ID).Find(&participants).Error; err != nil {
		log.Printf("⚠️  failed to load participants for quest %s payout: %v", quest.ID, err)
		return
	}
	for _, p := range participants {
		if _, err := s.Profiles.AwardPoints(p.UserID, reward, fmt.Sprintf("quest_%s_quorum", quest.ID)); err != nil {
			log.Printf("⚠️  payout failed for user %s on quest %s: %v", p.UserID, quest.ID, err)
			continue
		}
		if err := s.Profiles.GrantAchievementByCode(p.UserID, models.AchievementQuestConqueror); err != nil {
			log.Printf("⚠️  achievement grant failed for user %s: %v", p.UserID, err)
		}
	}
}

// SelectLeader picks the quest leader among current participants. The advisor
// is consulted first; its pick is accepted only if it names an existing
// participant, otherwise the deterministic fallback applies: highest current
// swarm points, ties broken by earliest join time, then lexicographic user id.
// Idempotent — an already-set leader is never overwritten.
func (s *QuestService) SelectLeader(questID string) (string, error) {
	var quest models.Quest
	if err := s.DB.First(&quest, "id = ?", questID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("quest %s: %w", questID, models.ErrNotFound)
		}
		return "", err
	}
	if quest.LeaderID != nil {
		return *quest.LeaderID, nil
	}

	var participants []models.QuestParticipant
	if err := s.DB.Where("quest_id = ?", questID).Order("joined_at ASC").Find(&participants).Error; err != nil {
		return "", err
	}
	if len(participants) == 0 {
		return "", fmt.Errorf("quest %s has no participants: %w", questID, models.ErrInvalidState)
	}

	points := s.currentPoints(participants)

	leaderID := ""
	if s.Advisor != nil {
		candidateIDs := make([]string, len(participants))
		for i, p := range participants {
			candidateIDs[i] = p.UserID
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		suggestion, err := s.Advisor.SelectLeader(ctx, candidateIDs, points, quest.Description)
		cancel()
		if err != nil {
			log.Printf("⚠️  [ADVISOR] leader suggestion unavailable for quest %s, using deterministic pick: %v", questID, err)
		} else if _, ok := points[suggestion.LeaderID]; ok {
			leaderID = suggestion.LeaderID
			log.Printf("💡 Quest %s leader (advisory): %s — %s", questID, leaderID, suggestion.Reasoning)
		} else {
			// Advisory named a non-participant; discard the reasoning.
			log.Printf("⚠️  [ADVISOR] suggested non-participant %q for quest %s, falling back", suggestion.LeaderID, questID)
		}
	}

	if leaderID == "" {
		leaderID = deterministicLeader(participants, points)
	}

	// Write-once: only fill a NULL leader so a concurrent selection cannot
	// overwrite an earlier one.
	res := s.DB.Model(&models.Quest{}).
		Where("id = ? AND leader_id IS NULL", questID).
		Update("leader_id", leaderID)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race; report whoever won.
		var fresh models.Quest
		if err := s.DB.First(&fresh, "id = ?", questID).Error; err != nil {
			return "", err
		}
		if fresh.LeaderID != nil {
			return *fresh.LeaderID, nil
		}
	}
	return leaderID, nil
}

// currentPoints resolves each participant's current swarm points, falling back
// to the join-time snapshot when the profile is missing.
func (s *QuestService) currentPoints(participants []models.QuestParticipant) map[string]int64 {
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.UserID
	}

	type row struct {
		ID          string
		SwarmPoints int64
	}
	var rows []row
	s.DB.Model(&models.UserProfile{}).Where("id IN ?", ids).Scan(&rows)

	points := make(map[string]int64, len(participants))
	for _, p := range participants {
		points[p.UserID] = p.PointsAtJoin
	}
	for _, r := range rows {
		points[r.ID] = r.SwarmPoints
	}
	return points
}

func deterministicLeader(participants []models.QuestParticipant, points map[string]int64) string {
	sorted := make([]models.QuestParticipant, len(participants))
	copy(sorted, participants)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := points[sorted[i].UserID], points[sorted[j].UserID]
		if pi != pj {
			return pi > pj
		}
		if !sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
		}
		return sorted[i].UserID < sorted[j].UserID
	})
	return sorted[0].UserID
}

// ComputeReward returns the per-user payout for the quest. The base is
// RewardPerUser; the advisor may scale it using local demand/performance
// signals, but the result is always clamped to [0.5x, 2x] of the base. Any
// advisory failure yields the plain base. The returned string is the advisory
// reasoning (empty on fallback).
func (s *QuestService) ComputeReward(questID string) (int64, string, error) {
	var quest models.Quest
	if err := s.DB.First(&quest, "id = ?", questID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", fmt.Errorf("quest %s: %w", questID, models.ErrNotFound)
		}
		return 0, "", err
	}

	base := quest.RewardPerUser
	if s.Advisor == nil {
		return base, "", nil
	}

	demand := s.taskDemand(questID)
	performance := float64(quest.CurrentUsers) / float64(quest.RequiredUsers)
	if performance > 1 {
		performance = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adj, err := s.Advisor.AdjustReward(ctx, demand, performance, base)
	if err != nil {
		// Advisory unavailable — absorbed, deterministic base applies.
		return base, "", nil
	}

	return clampReward(base, int64(adj.AdjustedReward)), adj.Reasoning, nil
}

// taskDemand estimates demand from the quest's linked tasks: the fraction
// still available. No linked tasks means neutral demand.
func (s *QuestService) taskDemand(questID string) float64 {
	var taskIDs []string
	if err := s.DB.Model(&models.QuestTask{}).Where("quest_id = ?", questID).Pluck("task_id", &taskIDs).Error; err != nil || len(taskIDs) == 0 {
		return 0.5
	}
	var available int64
	s.DB.Model(&models.Task{}).
		Where("id IN ? AND status = ?", taskIDs, models.TaskStatusAvailable).
		Count(&available)
	return float64(available) / float64(len(taskIDs))
}

// clampReward bounds a suggested payout to [0.5x, 2x] of the base so advisory
// output can never zero out or inflate rewards.
func clampReward(base, suggested int64) int64 {
	lo := base / 2
	if base%2 != 0 {
		lo = base/2 + 1 // round up so the floor stays >= 0.5x
	}
	hi := base * 2
	if suggested < lo {
		return lo
	}
	if suggested > hi {
		return hi
	}
	return suggested
}

// Close finishes a quest with the given outcome. Terminal states reject.
func (s *QuestService) Close(questID string, outcome models.QuestStatus) (*models.Quest, error) {
	if outcome != models.QuestStatusCompleted && outcome != models.QuestStatusFailed {
		return nil, fmt.Errorf("%w: outcome must be completed or failed", models.ErrValidation)
	}

	var quest models.Quest
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&quest, "id = ?", questID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("quest %s: %w", questID, models.ErrNotFound)
			}
			return err
		}
		if quest.Status.Terminal() {
			return fmt.Errorf("quest %s already %s: %w", questID, quest.Status, models.ErrInvalidState)
		}
		quest.Status = outcome
		return tx.Save(&quest).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("🏁 Quest %s closed: %s", questID, outcome)
	return &quest, nil
}

// FailOverdue closes every non-terminal quest whose deadline has passed. The
// scheduler calls this each minute — it is the "external deadline signal" the
// engine itself does not own.
func (s *QuestService) FailOverdue(now time.Time) {
	var quests []models.Quest
	if err := s.DB.Where("deadline IS NOT NULL AND deadline <= ? AND status NOT IN ?",
		now, []models.QuestStatus{models.QuestStatusCompleted, models.QuestStatusFailed}).
		Find(&quests).Error; err != nil {
		log.Printf("[Scheduler] quest deadline scan failed: %v", err)
		return
	}
	for _, q := range quests {
		if _, err := s.Close(q.ID, models.QuestStatusFailed); err != nil {
			log.Printf("[Scheduler] failed to close overdue quest %s: %v", q.ID, err)
		} else {
			log.Printf("⏰ Quest %s failed: deadline passed", q.ID)
		}
	}
}

// --- HTTP handlers ---

func (s *QuestService) CreateQuest(c *fiber.Ctx) error {
	var req struct {
		Title            string     `json:"title" validate:"required"`
		Description      string     `json:"description"`
		TotalReward      int64      `json:"total_reward"`
		RewardPerUser    int64      `json:"reward_per_user" validate:"required,min=1"`
		RequiredUsers    int        `json:"required_users" validate:"required,min=1"`
		QuorumPercentage int        `json:"quorum_percentage"`
		Deadline         *time.Time `json:"deadline"`
		TaskIDs          []string   `json:"task_ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	quorum := req.QuorumPercentage
	if quorum == 0 {
		quorum = 80
	}

	quest := &models.Quest{
		ID:               uuid.NewString(),
		Title:            req.Title,
		Description:      req.Description,
		TotalReward:      req.TotalReward,
		RewardPerUser:    req.RewardPerUser,
		RequiredUsers:    req.RequiredUsers,
		QuorumPercentage: quorum,
		Deadline:         req.Deadline,
		CreatorID:        c.Locals("user_id").(string),
	}

	if err := s.Create(quest); err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}

	for _, taskID := range req.TaskIDs {
		link := models.QuestTask{ID: uuid.NewString(), QuestID: quest.ID, TaskID: taskID}
		if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			log.Printf("⚠️  failed to link task %s to quest %s: %v", taskID, quest.ID, err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(quest)
}

// UploadQuestImage attaches a cover image (multipart form, field "image").
func (s *QuestService) UploadQuestImage(c *fiber.Ctx) error {
	questID := c.Params("id")
	var quest models.Quest
	if err := s.DB.First(&quest, "id = ?", questID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "quest not found"})
	}

	image, err := c.FormFile("image")
	if err != nil || image.Size == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "image file required"})
	}
	ext := filepath.Ext(image.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	key := "quests/" + uuid.NewString() + ext
	url, err := utils.UploadFileToR2(image, key)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to upload image"})
	}

	if err := s.DB.Model(&quest).Update("image_url", url).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB update failed"})
	}
	return c.JSON(fiber.Map{"image_url": url})
}

func (s *QuestService) GetAllQuests(c *fiber.Ctx) error {
	var quests []models.Quest
	q := s.DB.Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&quests).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch quests"})
	}
	for i := range quests {
		quests[i].ProgressPercent = float64(quests[i].CurrentUsers) / float64(quests[i].RequiredUsers) * 100
	}
	return c.JSON(quests)
}

func (s *QuestService) GetQuestByID(c *fiber.Ctx) error {
	var quest models.Quest
	if err := s.DB.Preload("Participants", func(db *gorm.DB) *gorm.DB {
		return db.Order("joined_at ASC")
	}).First(&quest, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "quest not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	quest.ProgressPercent = float64(quest.CurrentUsers) / float64(quest.RequiredUsers) * 100
	return c.JSON(quest)
}

func (s *QuestService) JoinQuest(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	quest, err := s.Join(c.Params("id"), userID)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"message":          "joined quest",
		"quest_id":         quest.ID,
		"current_users":    quest.CurrentUsers,
		"required_users":   quest.RequiredUsers,
		"status":           quest.Status,
		"progress_percent": quest.ProgressPercent,
		"leader_id":        quest.LeaderID,
	})
}

func (s *QuestService) GetParticipants(c *fiber.Ctx) error {
	var participants []models.QuestParticipant
	if err := s.DB.Where("quest_id = ?", c.Params("id")).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch participants"})
	}
	return c.JSON(participants)
}

func (s *QuestService) CloseQuest(c *fiber.Ctx) error {
	var req struct {
		Outcome models.QuestStatus `json:"outcome" validate:"required,oneof=completed failed"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	quest, err := s.Close(c.Params("id"), req.Outcome)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(quest)
}

func (s *QuestService) SetDeadline(c *fiber.Ctx) error {
	var req struct {
		Deadline *time.Time `json:"deadline"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	res := s.DB.Model(&models.Quest{}).Where("id = ?", c.Params("id")).Update("deadline", req.Deadline)
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB update failed"})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "quest not found"})
	}
	return c.JSON(fiber.Map{"message": "deadline updated"})
}
