package telegram

import (
	"encoding/json"

	"tgcollect/pkg/models"
)

// memberListResponse is the raw wire envelope of one member page.
// Entries stay raw so one malformed entry cannot poison the page.
type memberListResponse struct {
	Members    []json.RawMessage `json:"members"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// memberEntry is one member as the platform serves it.
type memberEntry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Page is one normalized member page.
type Page struct {
	Records    []models.MemberRecord
	Skipped    int // malformed entries dropped during normalization
	NextCursor string
	HasMore    bool
}
