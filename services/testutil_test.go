package services

import (
	"testing"

	"swarmsphere/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory database per test. A single pooled
// connection keeps SQLite from returning busy errors under concurrent calls.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.UserProfile{},
		&models.Achievement{},
		&models.UserAchievement{},
		&models.Task{},
		&models.Quest{},
		&models.QuestParticipant{},
		&models.QuestTask{},
		&models.Sphere{},
		&models.SphereMember{},
		&models.SphereTask{},
		&models.SphereProposal{},
		&models.ProposalVote{},
	))
	return db
}

func newProfileService(t *testing.T) *ProfileService {
	t.Helper()
	svc := NewProfileService(newTestDB(t))
	require.NoError(t, svc.SeedAchievements())
	return svc
}
