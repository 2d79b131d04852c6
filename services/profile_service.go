// services/profile_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"swarmsphere/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LevelThresholds maps level N to the cumulative swarm points required to
// reach it (index 0 = level 1). Fixed, monotonic step table; the last band is
// open-ended.
var LevelThresholds = []int64{0, 100, 250, 500, 1000, 2000, 4000, 7000, 11000, 16000}

// levelForPoints returns the level and the progress percentage (0-100) into
// the next band for a cumulative point total.
func levelForPoints(points int64) (int, int) {
	level := 1
	for i := len(LevelThresholds) - 1; i >= 0; i-- {
		if points >= LevelThresholds[i] {
			level = i + 1
			break
		}
	}
	if level >= len(LevelThresholds) {
		return level, 100
	}
	floor := LevelThresholds[level-1]
	ceil := LevelThresholds[level]
	progress := int((points - floor) * 100 / (ceil - floor))
	if progress > 100 {
		progress = 100
	}
	return level, progress
}

type ProfileService struct {
	DB *gorm.DB
}

func NewProfileService(db *gorm.DB) *ProfileService {
	return &ProfileService{DB: db}
}

// GetOrCreate returns the profile for userID, creating a default one on first
// login. Safe under concurrent first-login races: the insert is
// conflict-do-nothing on the primary key, so exactly one row ever exists.
func (s *ProfileService) GetOrCreate(userID string) (*models.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", models.ErrValidation)
	}

	fresh := models.UserProfile{
		ID:     userID,
		Skills: models.StringList{},
		Level:  1,
	}
	if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, err
	}

	var prof models.UserProfile
	if err := s.DB.First(&prof, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	if err := s.hydrate(&prof); err != nil {
		return nil, err
	}
	return &prof, nil
}

// Get returns an existing profile or ErrNotFound.
func (s *ProfileService) Get(userID string) (*models.UserProfile, error) {
	var prof models.UserProfile
	if err := s.DB.First(&prof, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
		}
		return nil, err
	}
	if err := s.hydrate(&prof); err != nil {
		return nil, err
	}
	return &prof, nil
}

// hydrate fills the weak references derived from other aggregates: joined
// sphere ids (reconciled from sphere_members on every read) and earned
// achievements.
func (s *ProfileService) hydrate(prof *models.UserProfile) error {
	var sphereIDs []string
	if err := s.DB.Model(&models.SphereMember{}).
		Where("user_id = ?", prof.ID).
		Order("joined_at ASC").
		Pluck("sphere_id", &sphereIDs).Error; err != nil {
		return err
	}
	prof.JoinedSpheres = sphereIDs

	var achievements []models.Achievement
	if err := s.DB.Raw(`
		SELECT a.* FROM achievements a
		INNER JOIN user_achievements ua ON ua.achievement_id = a.id
		WHERE ua.user_id = ?
		ORDER BY ua.earned_at ASC
	`, prof.ID).Scan(&achievements).Error; err != nil {
		return err
	}
	prof.Achievements = achievements
	return nil
}

// AwardPoints increments swarm points and recomputes level/progress from the
// threshold table. Amount must be positive; level never decreases.
func (s *ProfileService) AwardPoints(userID string, amount int64, reason string) (*models.UserProfile, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: award amount must be positive", models.ErrValidation)
	}

	var updated models.UserProfile
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var prof models.UserProfile
		if err := lockForUpdate(tx).
			First(&prof, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
			}
			return err
		}

		prof.SwarmPoints += amount
		newLevel, progress := levelForPoints(prof.SwarmPoints)
		if newLevel > prof.Level {
			now := time.Now()
			prof.LastLevelUpAt = &now
		}
		prof.Level = newLevel
		prof.LevelProgressPercent = progress

		if err := tx.Save(&prof).Error; err != nil {
			return err
		}
		updated = prof
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("🎮 Points awarded: %s → +%d (total=%d, level=%d) reason=%s",
		userID, amount, updated.SwarmPoints, updated.Level, reason)

	// Milestone achievement — absorbed on failure, never blocks the award.
	if updated.Level >= 5 {
		if err := s.GrantAchievementByCode(userID, models.AchievementCommunityPillar); err != nil {
			log.Printf("⚠️  milestone achievement grant failed for %s: %v", userID, err)
		}
	}

	return &updated, nil
}

// GrantAchievement grants the achievement to the user. Idempotent: granting an
// already-held achievement succeeds without creating a second entry.
func (s *ProfileService) GrantAchievement(userID, achievementID string) error {
	var ach models.Achievement
	if err := s.DB.First(&ach, "id = ?", achievementID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("achievement %s: %w", achievementID, models.ErrNotFound)
		}
		return err
	}

	grant := models.UserAchievement{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
	}
	return s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error
}

// GrantAchievementByCode resolves a catalog code and grants it.
func (s *ProfileService) GrantAchievementByCode(userID, code string) error {
	var ach models.Achievement
	if err := s.DB.First(&ach, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("achievement code %s: %w", code, models.ErrNotFound)
		}
		return err
	}
	return s.GrantAchievement(userID, ach.ID)
}

// SeedAchievements upserts the static achievement catalog. Run at startup.
func (s *ProfileService) SeedAchievements() error {
	for _, ach := range models.AchievementCatalog {
		entry := ach
		entry.ID = uuid.NewString()
		if err := s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "icon_name"}),
		}).Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}

// --- HTTP handlers ---

// GetMe returns (creating if needed) the authenticated user's profile.
func (s *ProfileService) GetMe(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	prof, err := s.GetOrCreate(userID)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "failed to load profile", "cause": err.Error()})
	}
	return c.JSON(prof)
}

// UpdateMe updates the mutable profile fields.
func (s *ProfileService) UpdateMe(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var req struct {
		Name               *string   `json:"name"`
		Bio                *string   `json:"bio"`
		Skills             *[]string `json:"skills"`
		Location           *string   `json:"location"`
		DeviceCapabilities *string   `json:"device_capabilities"`
		TwitterHandle      *string   `json:"twitter_handle"`
		LensHandle         *string   `json:"lens_handle"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	prof, err := s.GetOrCreate(userID)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "failed to load profile"})
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Bio != nil {
		updates["bio"] = *req.Bio
	}
	if req.Skills != nil {
		updates["skills"] = models.StringList(*req.Skills)
	}
	if req.Location != nil {
		updates["location"] = *req.Location
	}
	if req.DeviceCapabilities != nil {
		updates["device_capabilities"] = *req.DeviceCapabilities
	}
	if req.TwitterHandle != nil {
		updates["twitter_handle"] = *req.TwitterHandle
	}
	if req.LensHandle != nil {
		updates["lens_handle"] = *req.LensHandle
	}

	if len(updates) > 0 {
		if err := s.DB.Model(&models.UserProfile{}).Where("id = ?", prof.ID).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "update failed"})
		}
	}

	refreshed, err := s.Get(userID)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "failed to reload profile"})
	}
	return c.JSON(refreshed)
}

// GetByID returns a public profile.
func (s *ProfileService) GetByID(c *fiber.Ctx) error {
	prof, err := s.Get(c.Params("id"))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "profile not found"})
	}
	return c.JSON(prof)
}

// GetMyAchievements lists the authenticated user's earned achievements.
func (s *ProfileService) GetMyAchievements(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	prof, err := s.GetOrCreate(userID)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "failed to load profile"})
	}
	return c.JSON(prof.Achievements)
}

// GrantPoints is the admin entry point for manual point grants.
func (s *ProfileService) GrantPoints(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id" validate:"required"`
		Amount int64  `json:"amount" validate:"required,min=1"`
		Reason string `json:"reason" validate:"max=255"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	prof, err := s.AwardPoints(req.UserID, req.Amount, req.Reason)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": "point grant failed", "cause": err.Error()})
	}
	return c.JSON(fiber.Map{
		"message":      "points granted",
		"user_id":      prof.ID,
		"swarm_points": prof.SwarmPoints,
		"level":        prof.Level,
	})
}
