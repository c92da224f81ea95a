package telegram

import (
	"encoding/json"
	"strings"
	"time"

	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
)

// normalizePage converts raw member entries into records, skipping
// malformed ones instead of failing the page. The platform's payload
// shape drifts; a page with a few bad entries is still a good page.
func normalizePage(raw memberListResponse, log logger.Logger) Page {
	page := Page{
		NextCursor: raw.NextCursor,
		HasMore:    raw.HasMore,
	}

	now := time.Now()
	for _, entry := range raw.Members {
		var m memberEntry
		if err := json.Unmarshal(entry, &m); err != nil {
			page.Skipped++
			log.DebugWithFields("Skipping malformed member entry", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if m.ID == "" {
			// No stable identifier means the record can never be
			// deduplicated; treat as malformed.
			page.Skipped++
			continue
		}
		page.Records = append(page.Records, models.MemberRecord{
			PlatformUserID: m.ID,
			Username:       m.Username,
			Phone:          m.Phone,
			DisplayName:    displayName(m),
			ScrapedAt:      now,
		})
	}
	return page
}

func displayName(m memberEntry) string {
	name := strings.TrimSpace(m.FirstName + " " + m.LastName)
	if name == "" {
		name = m.Username
	}
	return name
}
