package models

import "gorm.io/gorm"

// Attachment is a name-keyed binary blob scoped to one message asset. The
// bytes travel inside the owning asset's encrypted payload, so visibility
// follows asset decryptability; this row is the local cache of both bytes
// and metadata.
type Attachment struct {
	gorm.Model
	OwnerDID    string `gorm:"not null;index:idx_owner_att,unique" json:"owner_did"`
	AssetID     string `gorm:"not null;index:idx_owner_att,unique" json:"asset_id"`
	Name        string `gorm:"not null;index:idx_owner_att,unique" json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `gorm:"type:bytea" json:"-"`
}

// AttachmentMeta is what listing exposes: never the bytes.
type AttachmentMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func (a *Attachment) Meta() AttachmentMeta {
	return AttachmentMeta{Name: a.Name, ContentType: a.ContentType, Size: a.Size}
}

// AttachmentDocument is the in-asset representation (base64 data handled
// by encoding/json through the []byte field).
type AttachmentDocument struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data"`
}
