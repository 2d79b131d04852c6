package services

import (
	"errors"
	"sync"
	"testing"

	"swarmsphere/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	svc := newProfileService(t)

	first, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", first.ID)
	assert.Equal(t, 1, first.Level)
	assert.EqualValues(t, 0, first.SwarmPoints)

	second, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	svc.DB.Model(&models.UserProfile{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestGetOrCreateConcurrentFirstLogin(t *testing.T) {
	svc := newProfileService(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetOrCreate("uid-race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int64
	svc.DB.Model(&models.UserProfile{}).Where("id = ?", "uid-race").Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestGetOrCreateRejectsEmptyID(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAwardPointsAccumulates(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)

	prof, err := svc.AwardPoints("uid-1", 100, "test")
	require.NoError(t, err)
	assert.EqualValues(t, 100, prof.SwarmPoints)
	assert.Equal(t, 2, prof.Level) // threshold 100

	prof, err = svc.AwardPoints("uid-1", 50, "test")
	require.NoError(t, err)
	assert.EqualValues(t, 150, prof.SwarmPoints)
	assert.Equal(t, 2, prof.Level)
	assert.Greater(t, prof.LevelProgressPercent, 0)
}

func TestAwardPointsRejectsNonPositive(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)

	for _, amount := range []int64{0, -10} {
		_, err := svc.AwardPoints("uid-1", amount, "bad")
		assert.ErrorIs(t, err, models.ErrValidation)
	}

	prof, err := svc.Get("uid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, prof.SwarmPoints)
}

func TestAwardPointsUnknownProfile(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.AwardPoints("ghost", 10, "test")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLevelNeverDecreases(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)

	last := 1
	for i := 0; i < 20; i++ {
		prof, err := svc.AwardPoints("uid-1", 150, "grind")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, prof.Level, last)
		last = prof.Level
	}
}

func TestLevelForPointsTable(t *testing.T) {
	cases := []struct {
		points int64
		level  int
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{250, 3},
		{999, 4},
		{16000, 10},
		{1_000_000, 10},
	}
	for _, tc := range cases {
		level, progress := levelForPoints(tc.points)
		assert.Equal(t, tc.level, level, "points=%d", tc.points)
		assert.GreaterOrEqual(t, progress, 0)
		assert.LessOrEqual(t, progress, 100)
	}
}

func TestGrantAchievementIdempotent(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)

	require.NoError(t, svc.GrantAchievementByCode("uid-1", models.AchievementSphereFounder))
	require.NoError(t, svc.GrantAchievementByCode("uid-1", models.AchievementSphereFounder))

	var count int64
	svc.DB.Model(&models.UserAchievement{}).Where("user_id = ?", "uid-1").Count(&count)
	assert.EqualValues(t, 1, count)

	prof, err := svc.Get("uid-1")
	require.NoError(t, err)
	require.Len(t, prof.Achievements, 1)
	assert.Equal(t, models.AchievementSphereFounder, prof.Achievements[0].Code)
}

func TestGrantUnknownAchievement(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)

	err = svc.GrantAchievementByCode("uid-1", "NOT_A_BADGE")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMilestoneAchievementAtLevelFive(t *testing.T) {
	svc := newProfileService(t)
	_, err := svc.GetOrCreate("uid-1")
	require.NoError(t, err)

	// Level 5 needs 1000 cumulative points.
	_, err = svc.AwardPoints("uid-1", 1000, "big grant")
	require.NoError(t, err)

	prof, err := svc.Get("uid-1")
	require.NoError(t, err)
	assert.Equal(t, 5, prof.Level)

	codes := make([]string, 0, len(prof.Achievements))
	for _, a := range prof.Achievements {
		codes = append(codes, a.Code)
	}
	assert.Contains(t, codes, models.AchievementCommunityPillar)
}
