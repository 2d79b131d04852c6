// services/advisor.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"swarmsphere/models"

	"github.com/kaptinlin/jsonrepair"
)

// Advisor consults a hosted model for reward-scaling, leader-selection and
// task-recommendation hints. It is never authoritative: every failure path
// (network, timeout, malformed output) returns ErrAdvisoryUnavailable and the
// calling service falls back to its deterministic behavior. Single-shot
// request/response only — no streaming, no multi-turn state.
type Advisor struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

// NewAdvisorFromEnv builds the advisor from ADVISOR_* env vars. Returns nil
// when ADVISOR_BASE_URL is unset — a nil Advisor is valid and means every
// consult takes the deterministic fallback.
func NewAdvisorFromEnv() *Advisor {
	baseURL := os.Getenv("ADVISOR_BASE_URL")
	if baseURL == "" {
		log.Println("⚠️  ADVISOR_BASE_URL not set — advisory calls disabled, deterministic fallbacks apply")
		return nil
	}

	timeout := 4000 * time.Millisecond
	if ms := os.Getenv("ADVISOR_TIMEOUT_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Millisecond
		}
	}

	model := os.Getenv("ADVISOR_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Advisor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  os.Getenv("ADVISOR_API_KEY"),
		Model:   model,
		Client:  &http.Client{Timeout: timeout},
	}
}

// RewardAdjustment is the advisor's suggestion for scaling a base reward.
type RewardAdjustment struct {
	AdjustedReward float64 `json:"adjustedReward"`
	Reasoning      string  `json:"reasoning"`
}

// LeaderSuggestion names the advisor's pick among quest participants.
type LeaderSuggestion struct {
	LeaderID  string `json:"leaderId"`
	Reasoning string `json:"reasoning"`
}

// TaskRecommendation lists task titles the advisor considers the best fit.
type TaskRecommendation struct {
	RecommendedTasks []string `json:"recommendedTasks"`
	Reasoning        string   `json:"reasoning"`
}

// AdjustReward suggests a scaled reward for the given demand/performance
// signals (both in [0,1]). Callers must clamp the result before applying it.
func (a *Advisor) AdjustReward(ctx context.Context, taskDemand, spherePerformance float64, baseReward int64) (*RewardAdjustment, error) {
	prompt := fmt.Sprintf(
		`You adjust SPHERE rewards for tasks on the SwarmSphere platform based on task demand and sphere performance.
Higher task demand and higher sphere performance should both lead to a higher reward, proportional to the base reward.

Task Demand: %.2f (0 = very low, 1 = very high)
Sphere Performance: %.2f (0 = very low, 1 = very high)
Base Reward: %d

Respond with JSON only: {"adjustedReward": <number>, "reasoning": "<short explanation>"}`,
		taskDemand, spherePerformance, baseReward,
	)

	var out RewardAdjustment
	if err := a.complete(ctx, prompt, &out); err != nil {
		return nil, err
	}
	if out.AdjustedReward <= 0 {
		return nil, fmt.Errorf("%w: non-positive adjusted reward", models.ErrAdvisoryUnavailable)
	}
	return &out, nil
}

// SelectLeader asks for a quest leader among candidates. The returned ID is
// only a suggestion; callers must verify it names a real participant.
func (a *Advisor) SelectLeader(ctx context.Context, candidateIDs []string, points map[string]int64, questDescription string) (*LeaderSuggestion, error) {
	pointsJSON, _ := json.Marshal(points)
	prompt := fmt.Sprintf(
		`You select a leader for a swarm quest. Prefer the candidate with the most swarm points who best fits the quest description.

Candidates: %s
Swarm Points: %s
Quest Description: %s

Respond with JSON only: {"leaderId": "<candidate id>", "reasoning": "<short explanation>"}`,
		strings.Join(candidateIDs, ", "), pointsJSON, questDescription,
	)

	var out LeaderSuggestion
	if err := a.complete(ctx, prompt, &out); err != nil {
		return nil, err
	}
	if out.LeaderID == "" {
		return nil, fmt.Errorf("%w: empty leader id", models.ErrAdvisoryUnavailable)
	}
	return &out, nil
}

// RecommendTasks suggests task titles for a user given their profile signals.
func (a *Advisor) RecommendTasks(ctx context.Context, skills []string, location, deviceCapabilities string, availableTasks []string) (*TaskRecommendation, error) {
	prompt := fmt.Sprintf(
		`You recommend the most suitable tasks for a SwarmSphere user based on their skills, location and device capabilities.

User Skills: %s
User Location: %s
Device Capabilities: %s
Available Tasks:
- %s

Respond with JSON only: {"recommendedTasks": ["<task title>", ...], "reasoning": "<short explanation>"}`,
		strings.Join(skills, ", "), location, deviceCapabilities, strings.Join(availableTasks, "\n- "),
	)

	var out TaskRecommendation
	if err := a.complete(ctx, prompt, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// complete performs one chat-completions round trip and unmarshals the model's
// JSON answer into out.
func (a *Advisor) complete(ctx context.Context, prompt string, out interface{}) error {
	if a == nil {
		return fmt.Errorf("%w: advisor not configured", models.ErrAdvisoryUnavailable)
	}

	reqBody := map[string]interface{}{
		"model": a.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
		"stream":      false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", models.ErrAdvisoryUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrAdvisoryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		log.Printf("⚠️  [ADVISOR] request failed: %v", err)
		return fmt.Errorf("%w: %v", models.ErrAdvisoryUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Printf("⚠️  [ADVISOR] status %d: %.200s", resp.StatusCode, string(respBody))
		return fmt.Errorf("%w: status %d", models.ErrAdvisoryUnavailable, resp.StatusCode)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrAdvisoryUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return fmt.Errorf("%w: empty choices", models.ErrAdvisoryUnavailable)
	}

	content := extractJSON(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		// Models occasionally emit truncated or slightly broken JSON.
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			log.Printf("⚠️  [ADVISOR] unparseable output: %v (repair: %v)", err, repairErr)
			return fmt.Errorf("%w: malformed output", models.ErrAdvisoryUnavailable)
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return fmt.Errorf("%w: malformed output after repair", models.ErrAdvisoryUnavailable)
		}
	}
	return nil
}

// extractJSON strips markdown fences and surrounding prose from a model reply,
// keeping the outermost JSON object.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
