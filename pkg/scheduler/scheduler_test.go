package scheduler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginerr "tgcollect/pkg/errors"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/store"
	"tgcollect/pkg/telegram"
)

// stubIdentities hands out identities in id order, honoring reservation
// and exclusion like the real registry.
type stubIdentities struct {
	mu       sync.Mutex
	ids      []string
	reserved map[string]bool
	selects  []map[string]bool // exclude sets seen, in order
	fail     bool
}

func newStubIdentities(ids ...string) *stubIdentities {
	return &stubIdentities{ids: ids, reserved: make(map[string]bool)}
}

func (s *stubIdentities) Select(exclude map[string]bool) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]bool, len(exclude))
	for k, v := range exclude {
		snapshot[k] = v
	}
	s.selects = append(s.selects, snapshot)
	if s.fail {
		return models.Identity{}, enginerr.New(enginerr.ErrorTypeNoEligibleIdentity, "no eligible identity available")
	}
	for _, id := range s.ids {
		if s.reserved[id] || exclude[id] {
			continue
		}
		s.reserved[id] = true
		return models.Identity{ID: id, Credential: "cred-" + id}, nil
	}
	return models.Identity{}, enginerr.New(enginerr.ErrorTypeNoEligibleIdentity, "no eligible identity available")
}

func (s *stubIdentities) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, id)
}

type stubProxies struct {
	fail bool
}

func (s *stubProxies) Acquire(exclude ...string) (models.ProxyEndpoint, error) {
	if s.fail {
		return models.ProxyEndpoint{}, enginerr.New(enginerr.ErrorTypeNoHealthyProxy, "no healthy proxy available")
	}
	return models.ProxyEndpoint{ID: "p1", Address: "socks5://127.0.0.1:1080"}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestScheduler(t *testing.T, st *store.Store, hooks Hooks) (*Scheduler, *stubIdentities) {
	t.Helper()
	ids := newStubIdentities("acct-1", "acct-2", "acct-3")
	s := New(st, ids, &stubProxies{}, 50, 3, hooks, logger.NewTestLogger())
	return s, ids
}

// page fabricates a fetched page of n members, unique per page index.
func page(pageIndex, n int, hasMore bool) telegram.Page {
	p := telegram.Page{
		NextCursor: fmt.Sprintf("cursor-%d", pageIndex),
		HasMore:    hasMore,
	}
	for i := 0; i < n; i++ {
		p.Records = append(p.Records, models.MemberRecord{
			PlatformUserID: fmt.Sprintf("u%d-%d", pageIndex, i),
			Username:       fmt.Sprintf("user%d_%d", pageIndex, i),
			DisplayName:    "Member",
			ScrapedAt:      time.Now(),
		})
	}
	return p
}

func TestJobCollects250RecordsAcross5OrderedPages(t *testing.T) {
	st := openTestStore(t)
	var commits []int
	s, _ := newTestScheduler(t, st, Hooks{
		OnPageCommitted: func(_ string, n int) { commits = append(commits, n) },
	})

	jobID, err := s.Submit("groupchat", 250)
	require.NoError(t, err)

	for pageIdx := 1; pageIdx <= 5; pageIdx++ {
		a := s.Next()
		require.NotNil(t, a, "page %d not dispatched", pageIdx)
		assert.Equal(t, pageIdx, a.Task.PageIndex)
		if pageIdx > 1 {
			assert.Equal(t, fmt.Sprintf("cursor-%d", pageIdx-1), a.Task.PageCursor)
		}
		require.NoError(t, s.ReportSuccess(a.Task, page(pageIdx, 50, true)))
	}

	assert.Nil(t, s.Next(), "completed job must not dispatch")
	assert.Equal(t, []int{50, 50, 50, 50, 50}, commits)

	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status.State)
	assert.Equal(t, 250, status.CommittedCount)
	assert.Equal(t, 5, status.CommittedPages)

	count, err := st.MemberCount(jobID)
	require.NoError(t, err)
	assert.Equal(t, 250, count)

	// Completed jobs archive their task rows.
	tasks, err := st.ListTasks(jobID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEndOfDataCompletesShortJob(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s.Submit("smallgroup", 100)
	require.NoError(t, err)

	a := s.Next()
	require.NotNil(t, a)
	require.NoError(t, s.ReportSuccess(a.Task, page(1, 30, false)))

	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status.State)
	assert.Equal(t, 30, status.CommittedCount)
}

func TestDuplicatePagesKeepJobFetchingUntilUniqueGoal(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s.Submit("groupchat", 60)
	require.NoError(t, err)

	a := s.Next()
	require.NotNil(t, a)
	require.NoError(t, s.ReportSuccess(a.Task, page(1, 50, true)))

	// Page 2 re-serves 45 members from page 1 alongside 5 new ones, so
	// only 5 unique rows commit even though 50 were fetched.
	dup := page(2, 5, true)
	dup.Records = append(dup.Records, page(1, 45, true).Records...)
	a = s.Next()
	require.NotNil(t, a)
	require.NoError(t, s.ReportSuccess(a.Task, dup))

	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, status.State)
	assert.Equal(t, 55, status.CommittedCount)

	// 100 records were fetched but only 55 are unique; the job keeps
	// dispatching from the committed cursor instead of stalling.
	a = s.Next()
	require.NotNil(t, a)
	assert.Equal(t, 3, a.Task.PageIndex)
	assert.Equal(t, "cursor-2", a.Task.PageCursor)
	require.NoError(t, s.ReportSuccess(a.Task, page(3, 5, true)))

	status, err = s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status.State)
	assert.Equal(t, 60, status.CommittedCount)
}

func TestRecordsCarryJobAndIdentityProvenance(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s.Submit("groupchat", 10)
	require.NoError(t, err)

	a := s.Next()
	require.NotNil(t, a)
	require.NoError(t, s.ReportSuccess(a.Task, page(1, 10, true)))

	recs, err := st.ListMembers(jobID)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for _, r := range recs {
		assert.Equal(t, jobID, r.SourceJobID)
		assert.Equal(t, a.Task.IdentityID, r.IdentityID)
	}
}

func TestRetryableFailureRequeuesWithFreshIdentity(t *testing.T) {
	st := openTestStore(t)
	s, ids := newTestScheduler(t, st, Hooks{})

	_, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	first := s.Next()
	require.NotNil(t, first)
	s.ReportFailure(first.Task, enginerr.New(enginerr.ErrorTypeRetryableFetch, "rate limited by platform"))

	second := s.Next()
	require.NotNil(t, second)
	assert.Equal(t, first.Task.PageIndex, second.Task.PageIndex)
	assert.Equal(t, first.Task.PageCursor, second.Task.PageCursor)
	assert.Equal(t, first.Task.AttemptCount+1, second.Task.AttemptCount)
	assert.NotEqual(t, first.Task.IdentityID, second.Task.IdentityID)

	// The retry's Select call must exclude the identity that failed.
	last := ids.selects[len(ids.selects)-1]
	assert.True(t, last[first.Task.IdentityID])
}

func TestRetryCapTurnsFatal(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		a := s.Next()
		require.NotNil(t, a, "attempt %d not dispatched", attempt)
		assert.Equal(t, attempt, a.Task.AttemptCount)
		s.ReportFailure(a.Task, enginerr.New(enginerr.ErrorTypeRetryableFetch, "platform server error"))
	}

	assert.Nil(t, s.Next())
	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, status.State)
	assert.NotEmpty(t, status.LastError)
}

func TestFatalFailureFailsJobImmediately(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	// Land one page first so there is a cursor to preserve.
	a := s.Next()
	require.NotNil(t, a)
	require.NoError(t, s.ReportSuccess(a.Task, page(1, 50, true)))

	a = s.Next()
	require.NotNil(t, a)
	s.ReportFailure(a.Task, enginerr.New(enginerr.ErrorTypeFatalFetch, "authentication revoked"))

	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, status.State)
	assert.Equal(t, "cursor-1", status.Cursor, "fatal failure must preserve the committed cursor")

	// The durable record agrees.
	job, err := st.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.State)
	assert.Equal(t, 1, job.CommittedPages)
}

func TestAbandonedTaskRequeuesWithoutAttemptCharge(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	_, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	a := s.Next()
	require.NotNil(t, a)
	s.ReportAbandoned(a.Task)

	b := s.Next()
	require.NotNil(t, b)
	assert.Equal(t, a.Task.PageIndex, b.Task.PageIndex)
	assert.Equal(t, a.Task.AttemptCount, b.Task.AttemptCount)
}

func TestNextReturnsNilWhenNoIdentityEligible(t *testing.T) {
	st := openTestStore(t)
	ids := newStubIdentities("acct-1")
	ids.fail = true
	s := New(st, ids, &stubProxies{}, 50, 3, Hooks{}, logger.NewTestLogger())

	jobID, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	assert.Nil(t, s.Next())

	// Exhaustion is transient: the job stays running.
	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, status.State)

	ids.fail = false
	assert.NotNil(t, s.Next())
}

func TestNextReleasesIdentityWhenNoProxyAvailable(t *testing.T) {
	st := openTestStore(t)
	ids := newStubIdentities("acct-1")
	proxies := &stubProxies{fail: true}
	s := New(st, ids, proxies, 50, 3, Hooks{}, logger.NewTestLogger())

	_, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	assert.Nil(t, s.Next())

	// The identity reserved for the aborted dispatch must be free again.
	proxies.fail = false
	a := s.Next()
	require.NotNil(t, a)
	assert.Equal(t, "acct-1", a.Task.IdentityID)
}

func TestPauseStopsDispatchButCommitsInFlight(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s.Submit("groupchat", 100)
	require.NoError(t, err)

	a := s.Next()
	require.NotNil(t, a)
	require.NoError(t, s.Pause(jobID))

	assert.Nil(t, s.Next())

	// The in-flight task still lands and commits durably.
	require.NoError(t, s.ReportSuccess(a.Task, page(1, 50, true)))
	status, err := s.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, status.State)
	assert.Equal(t, 50, status.CommittedCount)

	require.NoError(t, s.Resume(jobID))
	b := s.Next()
	require.NotNil(t, b)
	assert.Equal(t, 2, b.Task.PageIndex)
	assert.Equal(t, "cursor-1", b.Task.PageCursor)
}

func TestRecoverResumesFromCommittedCursor(t *testing.T) {
	st := openTestStore(t)
	s1, _ := newTestScheduler(t, st, Hooks{})

	jobID, err := s1.Submit("groupchat", 250)
	require.NoError(t, err)
	for pageIdx := 1; pageIdx <= 3; pageIdx++ {
		a := s1.Next()
		require.NotNil(t, a)
		require.NoError(t, s1.ReportSuccess(a.Task, page(pageIdx, 50, true)))
	}

	// Process restarts: a fresh scheduler over the same store.
	s2, _ := newTestScheduler(t, st, Hooks{})
	require.NoError(t, s2.Recover())

	status, err := s2.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, status.State, "interrupted jobs come back paused")
	assert.Equal(t, 150, status.CommittedCount)

	require.NoError(t, s2.Resume(jobID))
	a := s2.Next()
	require.NotNil(t, a)
	assert.Equal(t, 4, a.Task.PageIndex, "only uncommitted pages are refetched")
	assert.Equal(t, "cursor-3", a.Task.PageCursor)

	// Finishing after recovery must not duplicate earlier pages.
	require.NoError(t, s2.ReportSuccess(a.Task, page(4, 50, true)))
	b := s2.Next()
	require.NotNil(t, b)
	require.NoError(t, s2.ReportSuccess(b.Task, page(5, 50, true)))

	count, err := st.MemberCount(jobID)
	require.NoError(t, err)
	assert.Equal(t, 250, count)
}

func TestSubmitValidatesInput(t *testing.T) {
	st := openTestStore(t)
	s, _ := newTestScheduler(t, st, Hooks{})

	_, err := s.Submit("", 10)
	assert.Error(t, err)
	_, err = s.Submit("groupchat", 0)
	assert.Error(t, err)
}
