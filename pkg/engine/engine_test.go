package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgcollect/pkg/config"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/store"
)

// memberServer serves a deterministic member list in fixed-size pages.
func memberServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		offset := 0
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			_, err := fmt.Sscanf(cursor, "off-%d", &offset)
			require.NoError(t, err)
		}
		limit := 0
		_, err := fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
		require.NoError(t, err)

		end := offset + limit
		if end > total {
			end = total
		}
		members := make([]map[string]string, 0, end-offset)
		for i := offset; i < end; i++ {
			members = append(members, map[string]string{
				"id":         fmt.Sprintf("user-%04d", i),
				"username":   fmt.Sprintf("user%d", i),
				"first_name": "Test",
				"last_name":  fmt.Sprintf("User%d", i),
			})
		}

		resp := map[string]interface{}{
			"members":     members,
			"next_cursor": fmt.Sprintf("off-%d", end),
			"has_more":    end < total,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Accounts = []config.AccountConfig{
		{ID: "acct-1", Credential: "token-1"},
		{ID: "acct-2", Credential: "token-2"},
	}
	// Empty address means direct egress; no SOCKS5 server in tests.
	cfg.Proxies = []config.ProxyConfig{{ID: "direct", Address: ""}}
	cfg.Governor.BaseDelay = time.Millisecond
	cfg.Governor.MaxDelay = 5 * time.Millisecond
	cfg.Governor.JitterFactor = 0
	cfg.Governor.CooldownFloor = time.Millisecond
	cfg.Scheduler.PageSize = 20
	cfg.Workers.Concurrency = 2
	cfg.Workers.IdleBackoff = 5 * time.Millisecond
	cfg.Health.SweepInterval = time.Hour
	cfg.Storage.ExportDir = "" // no snapshot files in tests
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := NewWithStore(cfg, st, logger.NewTestLogger())
	require.NoError(t, err)
	return eng, st
}

// waitForState polls until the job reaches a terminal-or-expected state.
func waitForState(t *testing.T, eng *Engine, jobID string, want models.JobState) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		st, err := eng.JobStatus(jobID)
		require.NoError(t, err)
		if st.State == want {
			return
		}
		if st.State == models.JobFailed && want != models.JobFailed {
			t.Fatalf("job failed: %s", st.LastError)
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in state %s (want %s): %+v", st.State, want, st)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineCollectsToCompletion(t *testing.T) {
	server := memberServer(t, 200)
	defer server.Close()

	cfg := testConfig()
	eng, st := newTestEngine(t, cfg)
	eng.client.SetBaseURL(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	jobID, err := eng.StartJob("testgroup", 100)
	require.NoError(t, err)

	waitForState(t, eng, jobID, models.JobCompleted)
	cancel()
	require.NoError(t, <-runDone)

	status, err := eng.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, 100, status.CommittedCount)
	assert.Equal(t, 5, status.CommittedPages)

	count, err := st.MemberCount(jobID)
	require.NoError(t, err)
	assert.Equal(t, 100, count)
}

func TestEngineStopsAtEndOfData(t *testing.T) {
	server := memberServer(t, 35)
	defer server.Close()

	cfg := testConfig()
	eng, st := newTestEngine(t, cfg)
	eng.client.SetBaseURL(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	jobID, err := eng.StartJob("smallgroup", 500)
	require.NoError(t, err)

	waitForState(t, eng, jobID, models.JobCompleted)
	cancel()
	<-runDone

	count, err := st.MemberCount(jobID)
	require.NoError(t, err)
	assert.Equal(t, 35, count, "the whole list was collected even though fewer than desired")
}

func TestEngineFailsJobOnRevokedCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := testConfig()
	eng, _ := newTestEngine(t, cfg)
	eng.client.SetBaseURL(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	jobID, err := eng.StartJob("lockedgroup", 100)
	require.NoError(t, err)

	waitForState(t, eng, jobID, models.JobFailed)
	cancel()
	<-runDone

	status, err := eng.JobStatus(jobID)
	require.NoError(t, err)
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, 0, status.CommittedCount)
}

func TestEngineExportRecords(t *testing.T) {
	server := memberServer(t, 40)
	defer server.Close()

	cfg := testConfig()
	eng, _ := newTestEngine(t, cfg)
	eng.client.SetBaseURL(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	jobID, err := eng.StartJob("exportgroup", 40)
	require.NoError(t, err)
	waitForState(t, eng, jobID, models.JobCompleted)
	cancel()
	<-runDone

	data, err := eng.ExportRecords(jobID, FormatJSON)
	require.NoError(t, err)
	var records []models.MemberRecord
	require.NoError(t, json.Unmarshal(data, &records))
	assert.Len(t, records, 40)
	for _, r := range records {
		assert.Equal(t, jobID, r.SourceJobID)
		assert.NotEmpty(t, r.IdentityID)
	}

	csvData, err := eng.ExportRecords(jobID, FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "platform_user_id")

	_, err = eng.ExportRecords(jobID, Format("xml"))
	assert.Error(t, err)
}

func TestEngineRecoversInterruptedJob(t *testing.T) {
	server := memberServer(t, 200)
	defer server.Close()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	cfg := testConfig()

	// First engine run: start a job but never run workers, simulating a
	// crash before any page was fetched.
	eng1, err := NewWithStore(cfg, st, logger.NewTestLogger())
	require.NoError(t, err)
	eng1.client.SetBaseURL(server.URL)
	jobID, err := eng1.StartJob("resumable", 60)
	require.NoError(t, err)

	// Second engine over the same store: the job surfaces as paused.
	eng2, err := NewWithStore(cfg, st, logger.NewTestLogger())
	require.NoError(t, err)
	eng2.client.SetBaseURL(server.URL)

	status, err := eng2.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, status.State)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng2.Run(ctx) }()

	require.NoError(t, eng2.ResumeJob(jobID))
	waitForState(t, eng2, jobID, models.JobCompleted)
	cancel()
	<-runDone

	status, err = eng2.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, 60, status.CommittedCount)
}

func TestEngineViews(t *testing.T) {
	cfg := testConfig()
	eng, _ := newTestEngine(t, cfg)

	ids := eng.IdentityViews()
	assert.Len(t, ids, 2)

	proxies := eng.ProxyViews()
	require.Len(t, proxies, 1)
	assert.Equal(t, "direct", proxies[0].ID)
}

func TestEngineNeverPersistsCredentials(t *testing.T) {
	cfg := testConfig()
	_, st := newTestEngine(t, cfg)

	ids, err := st.ListIdentities()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, ident := range ids {
		assert.Empty(t, ident.Credential, "identity %s leaked its credential into the store", ident.ID)
	}
}

func TestEngineSkipsIdentitiesWithoutCredentials(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// An identity from a previous configuration lingers in the store but
	// has no session anymore.
	require.NoError(t, st.UpsertIdentity(models.Identity{ID: "acct-old", Status: models.IdentityActive}))

	cfg := testConfig()
	eng, err := NewWithStore(cfg, st, logger.NewTestLogger())
	require.NoError(t, err)

	views := eng.IdentityViews()
	require.Len(t, views, 2)
	for _, v := range views {
		assert.NotEqual(t, "acct-old", v.ID, "credential-less identity must stay out of rotation")
	}
}
