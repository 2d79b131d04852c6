package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"swarmsphere/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQuestFixture(t *testing.T) (*ProfileService, *QuestService) {
	t.Helper()
	profiles := newProfileService(t)
	quests := NewQuestService(profiles.DB, profiles, nil)
	return profiles, quests
}

// chatStub serves an OpenAI-style chat completion whose message content is the
// given string.
func chatStub(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stubAdvisor(url string) *Advisor {
	return &Advisor{
		BaseURL: url,
		Model:   "stub",
		Client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func TestCreateQuestValidation(t *testing.T) {
	_, quests := newQuestFixture(t)

	err := quests.Create(&models.Quest{Title: "", RequiredUsers: 5, RewardPerUser: 10})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = quests.Create(&models.Quest{Title: "q", RequiredUsers: 0, RewardPerUser: 10})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = quests.Create(&models.Quest{Title: "q", RequiredUsers: 5, RewardPerUser: 0})
	assert.ErrorIs(t, err, models.ErrValidation)

	err = quests.Create(&models.Quest{Title: "q", RequiredUsers: 5, RewardPerUser: 10, QuorumPercentage: 101})
	assert.ErrorIs(t, err, models.ErrValidation)

	// Mismatched total rejected.
	err = quests.Create(&models.Quest{Title: "q", RequiredUsers: 5, RewardPerUser: 10, TotalReward: 49, QuorumPercentage: 80})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateQuestDerivesTotalReward(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 5, RewardPerUser: 10, QuorumPercentage: 80}
	require.NoError(t, quests.Create(quest))
	assert.EqualValues(t, 50, quest.TotalReward)
	assert.Equal(t, models.QuestStatusOpen, quest.Status)
	assert.Equal(t, 0, quest.CurrentUsers)
	assert.Nil(t, quest.LeaderID)
}

func TestJoinUnknownQuest(t *testing.T) {
	_, quests := newQuestFixture(t)
	_, err := quests.Join("no-such-quest", "uid-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestJoinIsIdempotentPerUser(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 5, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))

	q1, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, q1.CurrentUsers)

	q2, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, q2.CurrentUsers)

	var participants int64
	quests.DB.Model(&models.QuestParticipant{}).Where("quest_id = ?", quest.ID).Count(&participants)
	assert.EqualValues(t, 1, participants)
}

func TestJoinBumpsQuestsJoinedCounter(t *testing.T) {
	profiles, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 5, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))

	_, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	_, err = quests.Join(quest.ID, "uid-1") // duplicate must not double-count
	require.NoError(t, err)

	prof, err := profiles.Get("uid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, prof.QuestsJoined)
}

func TestJoinRejectsWhenFull(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 2, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))

	_, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	_, err = quests.Join(quest.ID, "uid-2")
	require.NoError(t, err)

	_, err = quests.Join(quest.ID, "uid-3")
	assert.ErrorIs(t, err, models.ErrAlreadyFull)

	var fresh models.Quest
	require.NoError(t, quests.DB.First(&fresh, "id = ?", quest.ID).Error)
	assert.Equal(t, 2, fresh.CurrentUsers)
}

func TestQuorumTransitionFiresExactlyOnce(t *testing.T) {
	profiles, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "swarm", RequiredUsers: 10, RewardPerUser: 100, QuorumPercentage: 80}
	require.NoError(t, quests.Create(quest))

	// uid-03 carries prior points so the deterministic leader pick is fixed.
	_, err := profiles.GetOrCreate("uid-03")
	require.NoError(t, err)
	_, err = profiles.AwardPoints("uid-03", 500, "seed")
	require.NoError(t, err)

	for i := 1; i <= 7; i++ {
		q, err := quests.Join(quest.ID, fmt.Sprintf("uid-%02d", i))
		require.NoError(t, err)
		assert.Equal(t, models.QuestStatusOpen, q.Status)
	}

	// Eighth join crosses 80%.
	q, err := quests.Join(quest.ID, "uid-08")
	require.NoError(t, err)
	assert.Equal(t, models.QuestStatusInProgress, q.Status)

	var fresh models.Quest
	require.NoError(t, quests.DB.First(&fresh, "id = ?", quest.ID).Error)
	require.NotNil(t, fresh.LeaderID)
	assert.Equal(t, "uid-03", *fresh.LeaderID)

	// Every participant got exactly one payout plus the badge.
	for i := 1; i <= 8; i++ {
		uid := fmt.Sprintf("uid-%02d", i)
		prof, err := profiles.Get(uid)
		require.NoError(t, err)
		expected := int64(100)
		if uid == "uid-03" {
			expected += 500
		}
		assert.EqualValues(t, expected, prof.SwarmPoints, "user %s", uid)

		var badges int64
		profiles.DB.Model(&models.UserAchievement{}).Where("user_id = ?", uid).Count(&badges)
		assert.GreaterOrEqual(t, badges, int64(1))
	}

	// Later joins stay in_progress and never re-run the payout.
	_, err = quests.Join(quest.ID, "uid-09")
	require.NoError(t, err)
	prof, err := profiles.Get("uid-01")
	require.NoError(t, err)
	assert.EqualValues(t, 100, prof.SwarmPoints)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	profiles, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "swarm", RequiredUsers: 5, RewardPerUser: 40, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))

	const attempts = 20
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		uid := fmt.Sprintf("uid-%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := quests.Join(quest.ID, uid)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var joined, full int
	for err := range errs {
		switch {
		case err == nil:
			joined++
		case errors.Is(err, models.ErrAlreadyFull):
			full++
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	assert.Equal(t, 5, joined)
	assert.Equal(t, attempts-5, full)

	var fresh models.Quest
	require.NoError(t, quests.DB.First(&fresh, "id = ?", quest.ID).Error)
	assert.Equal(t, 5, fresh.CurrentUsers)
	assert.Equal(t, models.QuestStatusInProgress, fresh.Status)
	require.NotNil(t, fresh.LeaderID)

	var participants int64
	quests.DB.Model(&models.QuestParticipant{}).Where("quest_id = ?", quest.ID).Count(&participants)
	assert.EqualValues(t, 5, participants)

	// The quorum payout fired exactly once: total points across all profiles
	// equals one reward per winning participant.
	var totalPoints int64
	require.NoError(t, profiles.DB.Model(&models.UserProfile{}).
		Select("COALESCE(SUM(swarm_points), 0)").
		Scan(&totalPoints).Error)
	assert.EqualValues(t, 5*40, totalPoints)
}

func TestDuplicateJoinOnFullQuestIsIdempotent(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 2, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))
	_, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	_, err = quests.Join(quest.ID, "uid-2")
	require.NoError(t, err)

	// A participant retrying after the quest filled still succeeds quietly.
	q, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, 2, q.CurrentUsers)

	var participants int64
	quests.DB.Model(&models.QuestParticipant{}).Where("quest_id = ?", quest.ID).Count(&participants)
	assert.EqualValues(t, 2, participants)

	// Newcomers are still turned away.
	_, err = quests.Join(quest.ID, "uid-3")
	assert.ErrorIs(t, err, models.ErrAlreadyFull)
}

func TestAwaitingQuorumQuestJoinsLikeOpen(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "imported", RequiredUsers: 2, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))
	// Imported records can arrive in this state; the engine never assigns it.
	require.NoError(t, quests.DB.Model(quest).Update("status", models.QuestStatusAwaitingQuorum).Error)

	q, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, models.QuestStatusAwaitingQuorum, q.Status)

	q, err = quests.Join(quest.ID, "uid-2")
	require.NoError(t, err)
	assert.Equal(t, models.QuestStatusInProgress, q.Status)
}

func TestSelectLeaderIsWriteOnce(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 3, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))
	_, err := quests.Join(quest.ID, "uid-b")
	require.NoError(t, err)
	_, err = quests.Join(quest.ID, "uid-a")
	require.NoError(t, err)

	first, err := quests.SelectLeader(quest.ID)
	require.NoError(t, err)
	second, err := quests.SelectLeader(quest.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeterministicLeaderTieBreaks(t *testing.T) {
	now := time.Now()
	participants := []models.QuestParticipant{
		{UserID: "uid-b", JoinedAt: now},
		{UserID: "uid-a", JoinedAt: now},
		{UserID: "uid-c", JoinedAt: now.Add(-time.Minute)},
	}
	points := map[string]int64{"uid-a": 10, "uid-b": 10, "uid-c": 10}

	// Equal points: earliest join wins.
	assert.Equal(t, "uid-c", deterministicLeader(participants, points))

	// Equal points and join time: lexicographic id.
	points["uid-c"] = 0
	assert.Equal(t, "uid-a", deterministicLeader(participants, points))

	// Points dominate everything else.
	points["uid-b"] = 99
	assert.Equal(t, "uid-b", deterministicLeader(participants, points))
}

func TestAdvisorLeaderMustBeParticipant(t *testing.T) {
	profiles := newProfileService(t)
	srv := chatStub(t, `{"leaderId": "intruder", "reasoning": "sounds trustworthy"}`)
	quests := NewQuestService(profiles.DB, profiles, stubAdvisor(srv.URL))

	quest := &models.Quest{Title: "q", RequiredUsers: 3, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))
	_, err := quests.Join(quest.ID, "uid-1")
	require.NoError(t, err)
	_, err = quests.Join(quest.ID, "uid-2")
	require.NoError(t, err)

	leader, err := quests.SelectLeader(quest.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"uid-1", "uid-2"}, leader)
}

func TestComputeRewardWithoutAdvisor(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 4, RewardPerUser: 100, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))

	reward, reasoning, err := quests.ComputeReward(quest.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, reward)
	assert.Empty(t, reasoning)
}

func TestComputeRewardClampsAdvisorOutput(t *testing.T) {
	profiles := newProfileService(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 4, RewardPerUser: 100, QuorumPercentage: 100}

	t.Run("inflated suggestion capped at 2x", func(t *testing.T) {
		srv := chatStub(t, `{"adjustedReward": 100000, "reasoning": "demand is wild"}`)
		quests := NewQuestService(profiles.DB, profiles, stubAdvisor(srv.URL))
		require.NoError(t, quests.Create(quest))

		reward, _, err := quests.ComputeReward(quest.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 200, reward)
	})

	t.Run("deflated suggestion floored at half", func(t *testing.T) {
		srv := chatStub(t, `{"adjustedReward": 1, "reasoning": "lazy swarm"}`)
		quests := NewQuestService(profiles.DB, profiles, stubAdvisor(srv.URL))

		reward, _, err := quests.ComputeReward(quest.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 50, reward)
	})

	t.Run("advisor failure falls back to base", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		quests := NewQuestService(profiles.DB, profiles, stubAdvisor(srv.URL))

		reward, reasoning, err := quests.ComputeReward(quest.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 100, reward)
		assert.Empty(t, reasoning)
	})
}

func TestClampRewardBounds(t *testing.T) {
	assert.EqualValues(t, 50, clampReward(100, 10))
	assert.EqualValues(t, 200, clampReward(100, 10000))
	assert.EqualValues(t, 150, clampReward(100, 150))
	// Odd base rounds the floor up so it never drops below half.
	assert.EqualValues(t, 8, clampReward(15, 1))
	assert.EqualValues(t, 30, clampReward(15, 31))
}

func TestCloseQuest(t *testing.T) {
	_, quests := newQuestFixture(t)

	quest := &models.Quest{Title: "q", RequiredUsers: 2, RewardPerUser: 10, QuorumPercentage: 100}
	require.NoError(t, quests.Create(quest))

	_, err := quests.Close(quest.ID, models.QuestStatusOpen)
	assert.ErrorIs(t, err, models.ErrValidation)

	closed, err := quests.Close(quest.ID, models.QuestStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.QuestStatusCompleted, closed.Status)

	// Terminal: nothing moves it again.
	_, err = quests.Close(quest.ID, models.QuestStatusFailed)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = quests.Join(quest.ID, "uid-1")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestFailOverdueQuests(t *testing.T) {
	_, quests := newQuestFixture(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	overdue := &models.Quest{Title: "late", RequiredUsers: 2, RewardPerUser: 10, QuorumPercentage: 100, Deadline: &past}
	require.NoError(t, quests.Create(overdue))
	active := &models.Quest{Title: "ontime", RequiredUsers: 2, RewardPerUser: 10, QuorumPercentage: 100, Deadline: &future}
	require.NoError(t, quests.Create(active))

	quests.FailOverdue(time.Now())

	var q1, q2 models.Quest
	require.NoError(t, quests.DB.First(&q1, "id = ?", overdue.ID).Error)
	require.NoError(t, quests.DB.First(&q2, "id = ?", active.ID).Error)
	assert.Equal(t, models.QuestStatusFailed, q1.Status)
	assert.Equal(t, models.QuestStatusOpen, q2.Status)
}
