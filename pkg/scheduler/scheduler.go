// Package scheduler decomposes collection jobs into paginated fetch
// tasks, assigns each task an identity and proxy, and commits fetched
// pages strictly in cursor order so a crash always resumes from the
// last durably committed page.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	enginerr "tgcollect/pkg/errors"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/telegram"
)

// Store is the persistence surface the scheduler needs. *store.Store
// satisfies it.
type Store interface {
	CreateJob(job models.CollectionJob) error
	GetJob(id string) (models.CollectionJob, error)
	ListJobs(states ...models.JobState) ([]models.CollectionJob, error)
	SetJobState(id string, state models.JobState, lastError string) error
	SaveTask(t models.FetchTask) error
	ArchiveTasks(jobID string) error
	IngestPage(jobID string, pageIndex int, nextCursor string, records []models.MemberRecord) (int, error)
}

// IdentitySource reserves identities for tasks. *registry.Registry
// satisfies it.
type IdentitySource interface {
	Select(exclude map[string]bool) (models.Identity, error)
	Release(id string)
}

// ProxySource provides egress endpoints. *proxy.Pool satisfies it.
type ProxySource interface {
	Acquire(exclude ...string) (models.ProxyEndpoint, error)
}

// Hooks are optional observers of scheduler events.
type Hooks struct {
	// OnJobComplete fires after a job reaches the completed state.
	OnJobComplete func(jobID string)
	// OnPageCommitted fires after each durable page commit with the
	// number of records in that page.
	OnPageCommitted func(jobID string, records int)
}

// Assignment is one dispatched unit of work: the task plus everything
// the worker needs to execute it without touching shared state.
type Assignment struct {
	Task       models.FetchTask
	Target     string
	Credential string
	ProxyAddr  string
	PageSize   int
}

// attempt is a fetchable page waiting for dispatch.
type attempt struct {
	pageIndex int
	cursor    string
	attempts  int
	// identities that already failed this page; never reassigned to it
	exclude map[string]bool
}

type jobRun struct {
	job          models.CollectionJob
	next         *attempt               // page ready for dispatch, nil if none
	inflight     int                    // dispatched, not yet reported
	pending      map[int]*telegram.Page // fetched pages awaiting ordered commit
	fetchedCount int                    // records fetched, committed or not
	exhausted    bool                   // platform signaled end of data
}

// Scheduler tracks all jobs and drives their task state machines.
type Scheduler struct {
	mu           sync.Mutex
	jobs         map[string]*jobRun
	order        []string // dispatch round-robin order
	nextDispatch int

	store       Store
	identities  IdentitySource
	proxies     ProxySource
	hooks       Hooks
	maxAttempts int
	pageSize    int
	log         logger.Logger
}

// New creates a scheduler.
func New(st Store, ids IdentitySource, proxies ProxySource, pageSize, maxAttempts int, hooks Hooks, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Scheduler{
		jobs:        make(map[string]*jobRun),
		store:       st,
		identities:  ids,
		proxies:     proxies,
		hooks:       hooks,
		maxAttempts: maxAttempts,
		pageSize:    pageSize,
		log:         log,
	}
}

// Submit registers a new collection job and returns its id. Tasks are
// generated lazily, one page ahead, so very large targets never
// materialize a task list up front.
func (s *Scheduler) Submit(target string, desiredCount int) (string, error) {
	if target == "" {
		return "", fmt.Errorf("target must not be empty")
	}
	if desiredCount <= 0 {
		return "", fmt.Errorf("desired count must be positive")
	}

	now := time.Now()
	job := models.CollectionJob{
		ID:           uuid.NewString(),
		Target:       target,
		DesiredCount: desiredCount,
		State:        models.JobRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &jobRun{
		job:     job,
		next:    &attempt{pageIndex: 1, cursor: "", exclude: make(map[string]bool)},
		pending: make(map[int]*telegram.Page),
	}
	s.order = append(s.order, job.ID)

	s.log.InfoWithFields("Job submitted", map[string]interface{}{
		"job_id":        job.ID,
		"target":        target,
		"desired_count": desiredCount,
	})
	return job.ID, nil
}

// Recover loads persisted jobs at startup. Jobs that were running when
// the process died come back paused with their committed cursor intact;
// resuming them re-fetches only uncommitted pages.
func (s *Scheduler) Recover() error {
	jobs, err := s.store.ListJobs(models.JobRunning, models.JobPaused, models.JobPending)
	if err != nil {
		return fmt.Errorf("loading persisted jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if job.State == models.JobRunning || job.State == models.JobPending {
			job.State = models.JobPaused
			if err := s.store.SetJobState(job.ID, models.JobPaused, job.LastError); err != nil {
				return fmt.Errorf("pausing recovered job %s: %w", job.ID, err)
			}
		}
		s.jobs[job.ID] = &jobRun{
			job:          job,
			next:         &attempt{pageIndex: job.CommittedPages + 1, cursor: job.Cursor, exclude: make(map[string]bool)},
			pending:      make(map[int]*telegram.Page),
			fetchedCount: job.CommittedCount,
		}
		s.order = append(s.order, job.ID)
		s.log.InfoWithFields("Job recovered", map[string]interface{}{
			"job_id":          job.ID,
			"committed_pages": job.CommittedPages,
			"cursor":          job.Cursor,
		})
	}
	return nil
}

// Next returns the next assignable task across running jobs, with an
// identity reserved and a proxy acquired for it. Returns nil when
// nothing is dispatchable right now; the caller backs off and retries.
func (s *Scheduler) Next() *Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	for i := 0; i < n; i++ {
		jobID := s.order[(s.nextDispatch+i)%n]
		run, ok := s.jobs[jobID]
		if !ok || run.job.State != models.JobRunning || run.next == nil {
			continue
		}

		att := run.next
		ident, err := s.identities.Select(att.exclude)
		if err != nil {
			continue // exhausted or all excluded; try another job
		}
		prx, err := s.proxies.Acquire()
		if err != nil {
			s.identities.Release(ident.ID)
			continue
		}

		task := models.FetchTask{
			ID:           uuid.NewString(),
			JobID:        jobID,
			PageIndex:    att.pageIndex,
			PageCursor:   att.cursor,
			IdentityID:   ident.ID,
			ProxyID:      prx.ID,
			AttemptCount: att.attempts + 1,
			Outcome:      models.TaskPending,
		}
		if err := s.store.SaveTask(task); err != nil {
			s.log.WithError(err).Warn("Failed to persist task")
			s.identities.Release(ident.ID)
			continue
		}

		run.next = nil
		run.inflight++
		s.nextDispatch = (s.nextDispatch + i + 1) % n

		return &Assignment{
			Task:       task,
			Target:     run.job.Target,
			Credential: ident.Credential,
			ProxyAddr:  prx.Address,
			PageSize:   s.pageSize,
		}
	}
	return nil
}

// ReportSuccess records a fetched page. The follow-up page task is
// enqueued immediately from the fetched next-cursor, while the page
// itself is committed strictly in page order: an out-of-order
// completion is buffered until its predecessor commits.
func (s *Scheduler) ReportSuccess(task models.FetchTask, page telegram.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities.Release(task.IdentityID)

	run, ok := s.jobs[task.JobID]
	if !ok {
		return fmt.Errorf("unknown job %s", task.JobID)
	}
	run.inflight--

	task.Outcome = models.TaskSuccess
	if err := s.store.SaveTask(task); err != nil {
		s.log.WithError(err).Warn("Failed to persist task outcome")
	}

	// Stamp provenance: every record traces to the task's job and the
	// identity that fetched it.
	for i := range page.Records {
		page.Records[i].SourceJobID = task.JobID
		page.Records[i].IdentityID = task.IdentityID
	}

	run.fetchedCount += len(page.Records)
	if !page.HasMore {
		run.exhausted = true
	}

	// Chain the next page while this one awaits commit.
	if run.job.State == models.JobRunning && page.HasMore && run.fetchedCount < run.job.DesiredCount {
		run.next = &attempt{
			pageIndex: task.PageIndex + 1,
			cursor:    page.NextCursor,
			exclude:   make(map[string]bool),
		}
	}

	run.pending[task.PageIndex] = &page
	if err := s.drainCommitsLocked(run); err != nil {
		return err
	}
	s.maybeFinishLocked(run)

	// Duplicates commit fewer unique rows than were fetched, so the
	// fetched count can reach the goal while the committed count has
	// not. Re-arm the next page from the durable cursor in that case.
	if run.job.State == models.JobRunning && !run.exhausted &&
		run.next == nil && run.inflight == 0 && len(run.pending) == 0 {
		run.next = &attempt{
			pageIndex: run.job.CommittedPages + 1,
			cursor:    run.job.Cursor,
			exclude:   make(map[string]bool),
		}
	}
	return nil
}

// drainCommitsLocked commits buffered pages in strict page order.
func (s *Scheduler) drainCommitsLocked(run *jobRun) error {
	for {
		nextPage := run.job.CommittedPages + 1
		page, ok := run.pending[nextPage]
		if !ok {
			return nil
		}
		delete(run.pending, nextPage)

		committed, err := s.store.IngestPage(run.job.ID, nextPage, page.NextCursor, page.Records)
		if err != nil {
			// A persistence conflict means the ordering invariant broke;
			// fail the job but keep the durable cursor for manual resume.
			s.failLocked(run, err)
			return err
		}
		run.job.CommittedPages = nextPage
		run.job.CommittedCount += committed
		run.job.Cursor = page.NextCursor
		logger.LogIngest(run.job.ID, nextPage, committed)
		if s.hooks.OnPageCommitted != nil {
			s.hooks.OnPageCommitted(run.job.ID, committed)
		}
	}
}

// maybeFinishLocked completes the job once the desired count is durably
// committed or the target is exhausted with nothing left in flight.
func (s *Scheduler) maybeFinishLocked(run *jobRun) {
	if run.job.State != models.JobRunning {
		return
	}
	done := run.job.CommittedCount >= run.job.DesiredCount ||
		(run.exhausted && run.inflight == 0 && len(run.pending) == 0 && run.next == nil)
	if !done {
		return
	}

	run.job.State = models.JobCompleted
	run.next = nil
	if err := s.store.SetJobState(run.job.ID, models.JobCompleted, ""); err != nil {
		s.log.WithError(err).Warn("Failed to persist job completion")
	}
	if err := s.store.ArchiveTasks(run.job.ID); err != nil {
		s.log.WithError(err).Warn("Failed to archive tasks")
	}
	s.log.InfoWithFields("Job completed", map[string]interface{}{
		"job_id":          run.job.ID,
		"committed_count": run.job.CommittedCount,
		"committed_pages": run.job.CommittedPages,
	})
	if s.hooks.OnJobComplete != nil {
		s.hooks.OnJobComplete(run.job.ID)
	}
}

// ReportAbandoned returns a dispatched task untouched: no attempt is
// charged because no fetch happened (worker shutdown, or the budget
// charge was refused before any network action).
func (s *Scheduler) ReportAbandoned(task models.FetchTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities.Release(task.IdentityID)

	run, ok := s.jobs[task.JobID]
	if !ok {
		return
	}
	run.inflight--
	if run.next == nil {
		run.next = &attempt{
			pageIndex: task.PageIndex,
			cursor:    task.PageCursor,
			attempts:  task.AttemptCount - 1,
			exclude:   make(map[string]bool),
		}
	}
}

// ReportFailure records a failed task. Retryable failures requeue the
// same page cursor for a fresh identity/proxy until the attempt cap;
// fatal failures fail the job but preserve the committed cursor.
func (s *Scheduler) ReportFailure(task models.FetchTask, taskErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities.Release(task.IdentityID)

	run, ok := s.jobs[task.JobID]
	if !ok {
		return
	}
	run.inflight--

	retryable := enginerr.IsRetryable(enginerr.TypeOf(taskErr))
	if retryable && task.AttemptCount < s.maxAttempts {
		task.Outcome = models.TaskRetryableFailure
		if err := s.store.SaveTask(task); err != nil {
			s.log.WithError(err).Warn("Failed to persist task outcome")
		}
		exclude := map[string]bool{task.IdentityID: true}
		run.next = &attempt{
			pageIndex: task.PageIndex,
			cursor:    task.PageCursor,
			attempts:  task.AttemptCount,
			exclude:   exclude,
		}
		s.log.WarnWithFields("Task requeued", map[string]interface{}{
			"job_id":  task.JobID,
			"page":    task.PageIndex,
			"attempt": task.AttemptCount,
			"error":   taskErr.Error(),
		})
		return
	}

	task.Outcome = models.TaskFatalFailure
	if err := s.store.SaveTask(task); err != nil {
		s.log.WithError(err).Warn("Failed to persist task outcome")
	}
	s.failLocked(run, taskErr)
}

func (s *Scheduler) failLocked(run *jobRun, cause error) {
	if run.job.State == models.JobFailed {
		return
	}
	run.job.State = models.JobFailed
	run.job.LastError = cause.Error()
	run.next = nil
	if err := s.store.SetJobState(run.job.ID, models.JobFailed, cause.Error()); err != nil {
		s.log.WithError(err).Warn("Failed to persist job failure")
	}
	s.log.ErrorWithFields("Job failed", map[string]interface{}{
		"job_id": run.job.ID,
		"cursor": run.job.Cursor,
		"error":  cause.Error(),
	})
}

// Pause stops dispatching new tasks for the job. In-flight tasks run to
// completion and their pages still commit.
func (s *Scheduler) Pause(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if run.job.State != models.JobRunning {
		return fmt.Errorf("job %s is %s, not running", jobID, run.job.State)
	}
	run.job.State = models.JobPaused
	return s.store.SetJobState(jobID, models.JobPaused, run.job.LastError)
}

// Resume restarts a paused or failed job from its persisted cursor.
func (s *Scheduler) Resume(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	switch run.job.State {
	case models.JobPaused, models.JobFailed:
	default:
		return fmt.Errorf("job %s is %s, cannot resume", jobID, run.job.State)
	}

	// Re-read the durable record: the cursor there is the truth.
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("reloading job: %w", err)
	}
	job.State = models.JobRunning
	run.job = job
	run.fetchedCount = job.CommittedCount
	run.exhausted = false
	if run.next == nil && run.inflight == 0 && len(run.pending) == 0 {
		run.next = &attempt{pageIndex: job.CommittedPages + 1, cursor: job.Cursor, exclude: make(map[string]bool)}
	}
	return s.store.SetJobState(jobID, models.JobRunning, "")
}

// Status reports a job's current state and progress.
type Status struct {
	State          models.JobState
	Target         string
	DesiredCount   int
	CommittedCount int
	CommittedPages int
	Cursor         string
	LastError      string
}

// JobStatus returns the live status of a job.
func (s *Scheduler) JobStatus(jobID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.jobs[jobID]
	if !ok {
		return Status{}, fmt.Errorf("unknown job %s", jobID)
	}
	return Status{
		State:          run.job.State,
		Target:         run.job.Target,
		DesiredCount:   run.job.DesiredCount,
		CommittedCount: run.job.CommittedCount,
		CommittedPages: run.job.CommittedPages,
		Cursor:         run.job.Cursor,
		LastError:      run.job.LastError,
	}, nil
}

// Jobs lists the ids of all known jobs in submission order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
