package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/models"
)

// Job is one named, independently-scheduled unit of work. Spec is a cron
// expression or an @every interval.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler dispatches jobs on their schedules. Overlapping ticks of the
// same job are skipped, not queued.
type Scheduler struct {
	cron *cron.Cron
	db   *gorm.DB
	ctx  context.Context
}

// New creates a stopped scheduler
func New(db *gorm.DB) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		db:  db,
		ctx: context.Background(),
	}
}

// Register adds a job to the schedule
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a body")
	}
	_, err := s.cron.AddFunc(job.Spec, func() { s.runJob(job) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s (%s): %w", job.Name, job.Spec, err)
	}
	return nil
}

// RegisterAll registers every job, failing on the first bad spec
func (s *Scheduler) RegisterAll(jobs []Job) error {
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// Start begins dispatching. The context bounds every job run; cancel it
// before Stop on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	log.Printf("Scheduler started with %d jobs", len(s.cron.Entries()))
}

// Stop halts dispatching and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("Scheduler stopped")
}

// runJob executes one tick with a unique run ID and records the outcome
// in the action log
func (s *Scheduler) runJob(job Job) {
	runID := uuid.NewString()
	start := time.Now()

	err := job.Run(s.ctx)
	elapsed := time.Since(start).Round(time.Millisecond)

	entry := models.ActionLog{
		ActionType: "job_" + job.Name,
		Reason:     fmt.Sprintf("completed in %s", elapsed),
		Success:    err == nil,
		JobRunID:   runID,
	}
	if err != nil {
		entry.Reason = fmt.Sprintf("failed after %s", elapsed)
		entry.ErrorMessage = err.Error()
		log.Printf("Job %s (run %s) failed: %v", job.Name, runID, err)
	}

	if dbErr := s.db.Create(&entry).Error; dbErr != nil {
		log.Printf("Failed to record job run %s: %v", runID, dbErr)
	}
}
