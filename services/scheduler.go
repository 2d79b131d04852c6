// services/scheduler.go
package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartDeadlineScheduler runs the minute sweeps: quests past their deadline
// before quorum are failed, and proposals past their voting window are
// tallied.
func StartDeadlineScheduler(quests *QuestService, spheres *SphereService) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: fail overdue quests
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			quests.FailOverdue(time.Now())
		}),
	)

	// Every minute: finalize expired proposals
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			spheres.TallyExpired(time.Now())
		}),
	)

	log.Println("⏰ Deadline scheduler started (1m sweep)")
}
