// services/sphere_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"swarmsphere/models"
	"swarmsphere/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	sphereNameMinLen = 3
	sphereNameMaxLen = 80
	sphereDescMinLen = 10
	sphereDescMaxLen = 500
)

// NoLower keeps brand-style capitals (e.g. "DePIN") intact.
var titleCaser = cases.Title(language.English, cases.NoLower)

type SphereService struct {
	DB       *gorm.DB
	Profiles *ProfileService
}

func NewSphereService(db *gorm.DB, profiles *ProfileService) *SphereService {
	return &SphereService{DB: db, Profiles: profiles}
}

// Create validates bounds, slugs the name and persists the sphere with the
// creator as its first (admin) member.
func (s *SphereService) Create(name, description string, rules []string, creatorID string) (*models.Sphere, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if len(name) < sphereNameMinLen || len(name) > sphereNameMaxLen {
		return nil, fmt.Errorf("%w: name must be %d-%d characters", models.ErrValidation, sphereNameMinLen, sphereNameMaxLen)
	}
	if len(description) < sphereDescMinLen || len(description) > sphereDescMaxLen {
		return nil, fmt.Errorf("%w: description must be %d-%d characters", models.ErrValidation, sphereDescMinLen, sphereDescMaxLen)
	}
	if _, err := s.Profiles.GetOrCreate(creatorID); err != nil {
		return nil, err
	}

	sphere := &models.Sphere{
		ID:          uuid.NewString(),
		Name:        titleCaser.String(name),
		Slug:        s.uniqueSlug(name),
		Description: description,
		MemberCount: 1,
		Rules:       models.StringList(rules),
		CreatorID:   creatorID,
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sphere).Error; err != nil {
			return err
		}
		member := models.SphereMember{
			ID:       uuid.NewString(),
			SphereID: sphere.ID,
			UserID:   creatorID,
			Role:     models.SphereRoleAdmin,
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.Profiles.GrantAchievementByCode(creatorID, models.AchievementSphereFounder); err != nil {
		log.Printf("⚠️  founder achievement grant failed for %s: %v", creatorID, err)
	}

	log.Printf("🌐 Sphere created: %s (%s) by %s", sphere.Name, sphere.Slug, creatorID)
	return sphere, nil
}

// uniqueSlug makes a URL slug from the name, suffixing on collision.
func (s *SphereService) uniqueSlug(name string) string {
	base := slug.Make(name)
	candidate := base
	for i := 2; ; i++ {
		var count int64
		s.DB.Model(&models.Sphere{}).Where("slug = ?", candidate).Count(&count)
		if count == 0 {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// Join adds the user as a member and bumps the member count. Duplicate joins
// are idempotent successes.
func (s *SphereService) Join(sphereID, userID string) (*models.Sphere, error) {
	if _, err := s.Profiles.GetOrCreate(userID); err != nil {
		return nil, err
	}

	var sphere models.Sphere
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&sphere, "id = ?", sphereID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("sphere %s: %w", sphereID, models.ErrNotFound)
			}
			return err
		}

		member := models.SphereMember{
			ID:       uuid.NewString(),
			SphereID: sphereID,
			UserID:   userID,
			Role:     models.SphereRoleMember,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already a member
		}

		sphere.MemberCount++
		return tx.Save(&sphere).Error
	})
	if err != nil {
		return nil, err
	}
	return &sphere, nil
}

// Leave removes the user's membership. Policy: the creator cannot leave while
// they are the last member — spheres are never dissolved, the floor is 1.
func (s *SphereService) Leave(sphereID, userID string) (*models.Sphere, error) {
	var sphere models.Sphere
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&sphere, "id = ?", sphereID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("sphere %s: %w", sphereID, models.ErrNotFound)
			}
			return err
		}

		if sphere.CreatorID == userID && sphere.MemberCount <= 1 {
			return fmt.Errorf("creator cannot leave as last member: %w", models.ErrInvalidOperation)
		}

		res := tx.Where("sphere_id = ? AND user_id = ?", sphereID, userID).Delete(&models.SphereMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("membership not found: %w", models.ErrNotFound)
		}

		sphere.MemberCount--
		if sphere.MemberCount < 1 {
			sphere.MemberCount = 1
		}
		return tx.Save(&sphere).Error
	})
	if err != nil {
		return nil, err
	}
	return &sphere, nil
}

// IsMember reports whether the user belongs to the sphere.
func (s *SphereService) IsMember(sphereID, userID string) (bool, error) {
	var count int64
	err := s.DB.Model(&models.SphereMember{}).
		Where("sphere_id = ? AND user_id = ?", sphereID, userID).
		Count(&count).Error
	return count > 0, err
}

// Propose opens a governance proposal. Members only.
func (s *SphereService) Propose(sphereID, proposerID, title, description string, votingHours int) (*models.SphereProposal, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	var sphere models.Sphere
	if err := s.DB.First(&sphere, "id = ?", sphereID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sphere %s: %w", sphereID, models.ErrNotFound)
		}
		return nil, err
	}
	member, err := s.IsMember(sphereID, proposerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("proposer is not a member: %w", models.ErrInvalidOperation)
	}

	if votingHours <= 0 {
		votingHours = 168 // 7 days, the original platform's default window
	}

	proposal := &models.SphereProposal{
		ID:           uuid.NewString(),
		SphereID:     sphereID,
		Title:        title,
		Description:  description,
		ProposerID:   proposerID,
		Status:       models.ProposalStatusVoting,
		VotingEndsAt: time.Now().Add(time.Duration(votingHours) * time.Hour),
	}
	if err := s.DB.Create(proposal).Error; err != nil {
		return nil, err
	}
	return proposal, nil
}

// Vote records (or overwrites) the user's vote while the window is open, then
// recounts the tallies from the vote rows. One row per (proposal, user).
func (s *SphereService) Vote(proposalID, userID string, support bool) (*models.SphereProposal, error) {
	var proposal models.SphereProposal
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&proposal, "id = ?", proposalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("proposal %s: %w", proposalID, models.ErrNotFound)
			}
			return err
		}
		if proposal.Status != models.ProposalStatusVoting || time.Now().After(proposal.VotingEndsAt) {
			return fmt.Errorf("voting closed for proposal %s: %w", proposalID, models.ErrInvalidState)
		}

		var memberCount int64
		if err := tx.Model(&models.SphereMember{}).
			Where("sphere_id = ? AND user_id = ?", proposal.SphereID, userID).
			Count(&memberCount).Error; err != nil {
			return err
		}
		if memberCount == 0 {
			return fmt.Errorf("voter is not a sphere member: %w", models.ErrInvalidOperation)
		}

		vote := models.ProposalVote{
			ID:         uuid.NewString(),
			ProposalID: proposalID,
			UserID:     userID,
			Support:    support,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "proposal_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"support", "voted_at"}),
		}).Create(&vote).Error; err != nil {
			return err
		}

		// Recount from vote rows — idempotent re-votes keep the tallies exact.
		var votesFor, votesAgainst int64
		if err := tx.Model(&models.ProposalVote{}).
			Where("proposal_id = ? AND support = ?", proposalID, true).
			Count(&votesFor).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ProposalVote{}).
			Where("proposal_id = ? AND support = ?", proposalID, false).
			Count(&votesAgainst).Error; err != nil {
			return err
		}
		proposal.VotesFor = int(votesFor)
		proposal.VotesAgainst = int(votesAgainst)
		return tx.Save(&proposal).Error
	})
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

// Tally finalizes a proposal after its voting window: simple majority, strict
// — votesFor must exceed votesAgainst to pass. Terminal.
func (s *SphereService) Tally(proposalID string) (*models.SphereProposal, error) {
	var proposal models.SphereProposal
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&proposal, "id = ?", proposalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("proposal %s: %w", proposalID, models.ErrNotFound)
			}
			return err
		}
		if proposal.Status != models.ProposalStatusVoting {
			return fmt.Errorf("proposal %s already %s: %w", proposalID, proposal.Status, models.ErrInvalidState)
		}
		if time.Now().Before(proposal.VotingEndsAt) {
			return fmt.Errorf("voting window still open: %w", models.ErrInvalidState)
		}

		if proposal.VotesFor > proposal.VotesAgainst {
			proposal.Status = models.ProposalStatusPassed
		} else {
			proposal.Status = models.ProposalStatusFailed
		}
		return tx.Save(&proposal).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("🗳️  Proposal %s tallied: %s (%d for / %d against)",
		proposalID, proposal.Status, proposal.VotesFor, proposal.VotesAgainst)
	return &proposal, nil
}

// TallyExpired finalizes every proposal whose window closed. Scheduler entry
// point.
func (s *SphereService) TallyExpired(now time.Time) {
	var proposals []models.SphereProposal
	if err := s.DB.Where("status = ? AND voting_ends_at <= ?", models.ProposalStatusVoting, now).
		Find(&proposals).Error; err != nil {
		log.Printf("[Scheduler] proposal scan failed: %v", err)
		return
	}
	for _, p := range proposals {
		if _, err := s.Tally(p.ID); err != nil {
			log.Printf("[Scheduler] tally failed for proposal %s: %v", p.ID, err)
		}
	}
}

// --- HTTP handlers ---

func (s *SphereService) CreateSphere(c *fiber.Ctx) error {
	name := c.FormValue("name")
	description := c.FormValue("description")
	var rules []string
	if raw := c.FormValue("rules"); raw != "" {
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				rules = append(rules, line)
			}
		}
	}

	sphere, err := s.Create(name, description, rules, c.Locals("user_id").(string))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}

	// Optional cover image
	if image, err := c.FormFile("image"); err == nil && image.Size > 0 {
		ext := filepath.Ext(image.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		key := "spheres/" + uuid.NewString() + ext
		if url, err := utils.UploadFileToR2(image, key); err == nil {
			s.DB.Model(sphere).Update("image_url", url)
			sphere.ImageURL = url
		} else {
			log.Printf("⚠️  sphere image upload failed: %v", err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(sphere)
}

func (s *SphereService) GetAllSpheres(c *fiber.Ctx) error {
	var spheres []models.Sphere
	if err := s.DB.Order("created_at DESC").Find(&spheres).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch spheres"})
	}
	return c.JSON(spheres)
}

func (s *SphereService) GetSphereByID(c *fiber.Ctx) error {
	var sphere models.Sphere
	if err := s.DB.First(&sphere, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "sphere not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(sphere)
}

func (s *SphereService) GetSphereBySlug(c *fiber.Ctx) error {
	var sphere models.Sphere
	if err := s.DB.First(&sphere, "slug = ?", c.Params("slug")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "sphere not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(sphere)
}

func (s *SphereService) JoinSphere(c *fiber.Ctx) error {
	sphere, err := s.Join(c.Params("id"), c.Locals("user_id").(string))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "joined sphere", "sphere_id": sphere.ID, "member_count": sphere.MemberCount})
}

func (s *SphereService) LeaveSphere(c *fiber.Ctx) error {
	sphere, err := s.Leave(c.Params("id"), c.Locals("user_id").(string))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "left sphere", "sphere_id": sphere.ID, "member_count": sphere.MemberCount})
}

// AttachTask links an existing task to the sphere (IDs only).
func (s *SphereService) AttachTask(c *fiber.Ctx) error {
	sphereID := c.Params("id")
	var req struct {
		TaskID string `json:"task_id" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil || req.TaskID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "task_id required"})
	}
	if err := s.DB.First(&models.Sphere{}, "id = ?", sphereID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "sphere not found"})
	}
	if err := s.DB.First(&models.Task{}, "id = ?", req.TaskID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
	}
	link := models.SphereTask{ID: uuid.NewString(), SphereID: sphereID, TaskID: req.TaskID}
	if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to attach task"})
	}
	return c.Status(fiber.StatusCreated).JSON(link)
}

func (s *SphereService) GetSphereTasks(c *fiber.Ctx) error {
	var taskIDs []string
	if err := s.DB.Model(&models.SphereTask{}).
		Where("sphere_id = ?", c.Params("id")).
		Pluck("task_id", &taskIDs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch sphere tasks"})
	}
	var tasks []models.Task
	if len(taskIDs) > 0 {
		if err := s.DB.Where("id IN ?", taskIDs).Find(&tasks).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch tasks"})
		}
	}
	return c.JSON(tasks)
}

func (s *SphereService) CreateProposal(c *fiber.Ctx) error {
	var req struct {
		Title       string `json:"title" validate:"required"`
		Description string `json:"description"`
		VotingHours int    `json:"voting_hours"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	proposal, err := s.Propose(c.Params("id"), c.Locals("user_id").(string), req.Title, req.Description, req.VotingHours)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(proposal)
}

func (s *SphereService) GetProposals(c *fiber.Ctx) error {
	var proposals []models.SphereProposal
	if err := s.DB.Where("sphere_id = ?", c.Params("id")).
		Order("created_at DESC").
		Find(&proposals).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch proposals"})
	}
	return c.JSON(proposals)
}

func (s *SphereService) CastVote(c *fiber.Ctx) error {
	var req struct {
		Support *bool `json:"support" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil || req.Support == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "support (true/false) required"})
	}
	proposal, err := s.Vote(c.Params("id"), c.Locals("user_id").(string), *req.Support)
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(proposal)
}

func (s *SphereService) TallyProposal(c *fiber.Ctx) error {
	proposal, err := s.Tally(c.Params("id"))
	if err != nil {
		return c.Status(models.StatusFor(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(proposal)
}
