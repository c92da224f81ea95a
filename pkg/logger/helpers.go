package logger

// LogFetch logs the outcome of a page fetch through an identity/proxy pair
func LogFetch(jobID, identityID, proxyID string, page int, success bool, err error) {
	fields := map[string]interface{}{
		"job_id":      jobID,
		"identity_id": identityID,
		"proxy_id":    proxyID,
		"page":        page,
		"success":     success,
	}

	l := GetLogger().WithFields(fields)
	if err != nil {
		l.WithError(err).Error("Page fetch failed")
	} else {
		l.Debug("Page fetch completed")
	}
}

// LogThrottle logs a governor-imposed delay before an identity acts again
func LogThrottle(identityID string, delayMs int64) {
	GetLogger().WithFields(map[string]interface{}{
		"identity_id": identityID,
		"delay_ms":    delayMs,
		"action":      "throttled",
	}).Debug("Delaying next action")
}

// LogIngest logs a committed page of member records
func LogIngest(jobID string, page, committed int) {
	GetLogger().WithFields(map[string]interface{}{
		"job_id":    jobID,
		"page":      page,
		"committed": committed,
	}).Info("Page committed")
}

// LogQuarantine logs an identity or proxy being pulled from rotation
func LogQuarantine(kind, id, newState string) {
	GetLogger().WithFields(map[string]interface{}{
		"kind":  kind,
		"id":    id,
		"state": newState,
	}).Warn("Quarantined by health monitor")
}
