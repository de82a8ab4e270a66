package models

import "gorm.io/gorm"

// Identity is a wallet identity paired with this service. Keys and DID
// documents live in the vault; the engine only needs the DID and a default
// registry for new assets.
type Identity struct {
	gorm.Model
	DID             string `gorm:"not null;uniqueIndex" json:"did"`
	DisplayName     string `json:"display_name"`
	DefaultRegistry string `json:"default_registry"`
	TokenVersion    int    `gorm:"default:0" json:"-"`
}
