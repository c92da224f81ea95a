package health

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
)

type statusRecorder struct {
	mu          sync.Mutex
	transitions []models.IdentityStatus
	lastUntil   time.Time
}

func (r *statusRecorder) SetStatus(id string, status models.IdentityStatus, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, status)
	r.lastUntil = until
	return nil
}

type fakeExporter struct {
	calls []string
}

func (f *fakeExporter) ExportJSON(jobID string) ([]byte, error) {
	f.calls = append(f.calls, jobID)
	return json.Marshal([]models.MemberRecord{})
}

func (f *fakeExporter) ExportCSV(jobID string) ([]byte, error) {
	f.calls = append(f.calls, jobID)
	return []byte("platform_user_id\n"), nil
}

func testOptions() Options {
	return Options{
		FailureRateThreshold: 0.5,
		MinObservations:      4,
		WindowSize:           10,
		SweepEvery:           4,
		CooldownPeriod:       time.Hour,
	}
}

func TestHighFailureRateCoolsIdentity(t *testing.T) {
	rec := &statusRecorder{}
	m := NewMonitor(testOptions(), rec, nil, logger.NewTestLogger())

	// 3 failures out of 4: rate 0.75 over the threshold.
	m.Observe("acct-1", false)
	m.Observe("acct-1", false)
	m.Observe("acct-1", false)
	m.Observe("acct-1", true) // 4th outcome triggers the sweep

	require.Len(t, rec.transitions, 1)
	assert.Equal(t, models.IdentityCooling, rec.transitions[0])
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.lastUntil, time.Minute)
}

func TestSecondBreachBans(t *testing.T) {
	rec := &statusRecorder{}
	m := NewMonitor(testOptions(), rec, nil, logger.NewTestLogger())

	for i := 0; i < 4; i++ {
		m.Observe("acct-1", false)
	}
	// The identity keeps failing after its cooldown.
	for i := 0; i < 4; i++ {
		m.Observe("acct-1", false)
	}

	require.Len(t, rec.transitions, 2)
	assert.Equal(t, models.IdentityCooling, rec.transitions[0])
	assert.Equal(t, models.IdentityBanned, rec.transitions[1])
}

func TestFailureRateBelowThresholdIgnored(t *testing.T) {
	rec := &statusRecorder{}
	m := NewMonitor(testOptions(), rec, nil, logger.NewTestLogger())

	// 40% failures stays under the 50% threshold.
	for i := 0; i < 10; i++ {
		m.Observe("acct-1", i%5 != 0 && i%5 != 1)
	}

	assert.Empty(t, rec.transitions)
}

func TestTooFewObservationsIgnored(t *testing.T) {
	rec := &statusRecorder{}
	opts := testOptions()
	opts.SweepEvery = 1
	m := NewMonitor(opts, rec, nil, logger.NewTestLogger())

	m.Observe("acct-1", false)
	m.Observe("acct-1", false)
	m.Observe("acct-1", false)

	assert.Empty(t, rec.transitions, "rate is not trusted below the minimum sample")
}

func TestAutoExportOnThresholdCrossing(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.AutoExportThreshold = 100
	opts.ExportDir = dir
	exp := &fakeExporter{}
	m := NewMonitor(opts, &statusRecorder{}, exp, logger.NewTestLogger())

	m.RecordCommitted("job-1", 60)
	assert.Empty(t, exp.calls)
	m.RecordCommitted("job-1", 60)
	require.Len(t, exp.calls, 1)
	assert.Equal(t, "", exp.calls[0], "threshold exports snapshot everything")

	files, err := filepath.Glob(filepath.Join(dir, "members_all_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestJobCompletionExportsJobRecords(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.ExportDir = dir
	opts.ExportFormat = "csv"
	exp := &fakeExporter{}
	m := NewMonitor(opts, &statusRecorder{}, exp, logger.NewTestLogger())

	m.JobCompleted("job-1")

	require.Len(t, exp.calls, 1)
	assert.Equal(t, "job-1", exp.calls[0])

	files, err := filepath.Glob(filepath.Join(dir, "members_job-1_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "platform_user_id")
}

func TestExportDisabledWithoutDir(t *testing.T) {
	exp := &fakeExporter{}
	m := NewMonitor(testOptions(), &statusRecorder{}, exp, logger.NewTestLogger())

	m.JobCompleted("job-1")
	assert.Empty(t, exp.calls)
}
