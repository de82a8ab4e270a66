package models

import "time"

// Notice is the lightweight pointer record telling a recipient that one or
// more assets exist for them. Notices are fire-and-forget: processing one
// only causes the referenced assets to be imported, and reprocessing is
// idempotent.
type Notice struct {
	ID         string    `json:"id"`
	To         []string  `json:"to"`
	AssetIDs   []string  `json:"asset_ids"`
	ValidUntil time.Time `json:"valid_until"`
}

// Expired reports whether the notice's validity window has closed.
func (n *Notice) Expired(now time.Time) bool {
	return !n.ValidUntil.IsZero() && now.After(n.ValidUntil)
}

// DefaultNoticeValidity is how long dispatched notices stay outstanding.
const DefaultNoticeValidity = 7 * 24 * time.Hour
