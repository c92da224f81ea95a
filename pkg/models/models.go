// Package models defines the records shared by the collection engine's
// components: identities, proxy endpoints, jobs, fetch tasks, and the
// member records they produce.
package models

import "time"

// IdentityStatus is the lifecycle state of an authenticated identity
type IdentityStatus string

const (
	IdentityActive  IdentityStatus = "active"
	IdentityCooling IdentityStatus = "cooling"
	IdentityBanned  IdentityStatus = "banned"
	IdentityUnknown IdentityStatus = "unknown"
)

// Identity is an authenticated account used to perform platform actions.
// Identities are created at configuration time and never deleted, only
// status-transitioned.
type Identity struct {
	ID               string         `json:"id"`
	Credential       string         `json:"-"` // opaque session credential, encrypted at rest
	Status           IdentityStatus `json:"status"`
	DailyActionCount int            `json:"daily_action_count"`
	LastActionAt     time.Time      `json:"last_action_at"`
	AssignedProxyID  string         `json:"assigned_proxy_id,omitempty"`
	CoolingUntil     time.Time      `json:"cooling_until,omitempty"`
}

// ProxyHealth is the liveness state of an egress endpoint
type ProxyHealth string

const (
	ProxyHealthy  ProxyHealth = "healthy"
	ProxyDegraded ProxyHealth = "degraded"
	ProxyDead     ProxyHealth = "dead"
)

// ProxyEndpoint is one SOCKS5 egress path. Dead endpoints are retained
// for audit and only re-enter rotation after an explicit refresh.
type ProxyEndpoint struct {
	ID            string      `json:"id"`
	Address       string      `json:"address"`
	Protocol      string      `json:"protocol"`
	Health        ProxyHealth `json:"health"`
	LastCheckedAt time.Time   `json:"last_checked_at"`
	FailureStreak int         `json:"failure_streak"`
}

// JobState is the lifecycle state of a collection job
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// CollectionJob is one user-requested collection run against a target.
// Cursor advances monotonically and only together with the durable
// commit of the corresponding page's records.
type CollectionJob struct {
	ID             string    `json:"id"`
	Target         string    `json:"target"`
	DesiredCount   int       `json:"desired_count"`
	Cursor         string    `json:"cursor"`
	CommittedPages int       `json:"committed_pages"`
	CommittedCount int       `json:"committed_count"`
	State          JobState  `json:"state"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TaskOutcome is the terminal state of one page-fetch unit of work
type TaskOutcome string

const (
	TaskPending          TaskOutcome = "pending"
	TaskSuccess          TaskOutcome = "success"
	TaskRetryableFailure TaskOutcome = "retryable_failure"
	TaskFatalFailure     TaskOutcome = "fatal_failure"
)

// FetchTask is one page fetch within a job, bound to the identity and
// proxy that will perform it.
type FetchTask struct {
	ID           string      `json:"id"`
	JobID        string      `json:"job_id"`
	PageIndex    int         `json:"page_index"`
	PageCursor   string      `json:"page_cursor"`
	IdentityID   string      `json:"identity_id"`
	ProxyID      string      `json:"proxy_id"`
	AttemptCount int         `json:"attempt_count"`
	Outcome      TaskOutcome `json:"outcome"`
}

// MemberRecord is one extracted group member. PlatformUserID is the
// dedup key: re-ingesting the same id updates metadata, never
// duplicates rows.
type MemberRecord struct {
	PlatformUserID string    `json:"platform_user_id"`
	Username       string    `json:"username,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	DisplayName    string    `json:"display_name"`
	SourceJobID    string    `json:"source_job_id"`
	IdentityID     string    `json:"identity_id"`
	ScrapedAt      time.Time `json:"scraped_at"`
}

// LedgerEntry is one row of the per-identity usage ledger
type LedgerEntry struct {
	IdentityID  string `json:"identity_id"`
	Date        string `json:"date"` // YYYY-MM-DD
	ActionCount int    `json:"action_count"`
}
