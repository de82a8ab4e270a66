package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StringList is a []string stored as a JSON column.
type StringList []string

func (sl StringList) Value() (driver.Value, error) {
	if sl == nil {
		sl = StringList{}
	}
	b, err := json.Marshal(sl)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (sl *StringList) Scan(value interface{}) error {
	if value == nil {
		*sl = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, sl)
	case string:
		return json.Unmarshal([]byte(v), sl)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

func (sl StringList) Contains(s string) bool {
	for _, v := range sl {
		if v == s {
			return true
		}
	}
	return false
}

// Message is the local cache row for a dmail asset. The asset itself is
// immutable and lives behind the vault; only Tags is engine-owned state.
// The row is reconstructible at any time from the vault plus the notice
// stream, so dropping it is never fatal.
type Message struct {
	gorm.Model
	OwnerDID       string     `gorm:"not null;index:idx_owner_asset,unique" json:"owner_did"`
	AssetID        string     `gorm:"not null;index:idx_owner_asset,unique" json:"asset_id"`
	Sender         string     `gorm:"not null" json:"sender"`
	To             StringList `gorm:"type:text" json:"to"`
	Cc             StringList `gorm:"type:text" json:"cc"`
	Subject        string     `json:"subject"`
	Body           string     `gorm:"type:text" json:"body"`
	AssetCreatedAt time.Time  `gorm:"not null;index" json:"asset_created_at"`
	ReplyTo        string     `json:"reply_to,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Tags           TagSet     `gorm:"type:text" json:"tags"`
}

// Expired reports whether the asset's own expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Summary is the projection row handed to the presentation layer: no body,
// no attachment bytes.
type Summary struct {
	AssetID   string    `json:"asset_id"`
	Sender    string    `json:"sender"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	Tags      TagSet    `json:"tags"`
	Unread    bool      `json:"unread"`
}

func (m *Message) Summarize() Summary {
	return Summary{
		AssetID:   m.AssetID,
		Sender:    m.Sender,
		To:        m.To,
		Subject:   m.Subject,
		CreatedAt: m.AssetCreatedAt,
		Tags:      m.Tags,
		Unread:    m.Tags.Has(TagUnread),
	}
}

// DmailDocument is the plaintext JSON payload held by the vault for a
// dmail asset.
type DmailDocument struct {
	Type        string                        `json:"type"`
	Sender      string                        `json:"sender"`
	To          []string                      `json:"to"`
	Cc          []string                      `json:"cc"`
	Subject     string                        `json:"subject"`
	Body        string                        `json:"body"`
	Created     time.Time                     `json:"created"`
	ReplyTo     string                        `json:"replyTo,omitempty"`
	Expires     *time.Time                    `json:"expires,omitempty"`
	Attachments map[string]AttachmentDocument `json:"attachments,omitempty"`
}

const DocTypeDmail = "dmail"

// ToMessage builds the cache row for a resolved dmail document.
func (d *DmailDocument) ToMessage(ownerDID, assetID string, tags TagSet) Message {
	return Message{
		OwnerDID:       ownerDID,
		AssetID:        assetID,
		Sender:         d.Sender,
		To:             StringList(d.To),
		Cc:             StringList(d.Cc),
		Subject:        d.Subject,
		Body:           d.Body,
		AssetCreatedAt: d.Created,
		ReplyTo:        d.ReplyTo,
		ExpiresAt:      d.Expires,
		Tags:           tags,
	}
}

// Document rebuilds the vault payload from the cache row plus the current
// attachment set. Used whenever the owner updates the asset.
func (m *Message) Document(attachments []Attachment) DmailDocument {
	doc := DmailDocument{
		Type:    DocTypeDmail,
		Sender:  m.Sender,
		To:      m.To,
		Cc:      m.Cc,
		Subject: m.Subject,
		Body:    m.Body,
		Created: m.AssetCreatedAt,
		ReplyTo: m.ReplyTo,
		Expires: m.ExpiresAt,
	}
	if len(attachments) > 0 {
		doc.Attachments = make(map[string]AttachmentDocument, len(attachments))
		for _, att := range attachments {
			doc.Attachments[att.Name] = AttachmentDocument{
				ContentType: att.ContentType,
				Size:        att.Size,
				Data:        att.Data,
			}
		}
	}
	return doc
}

// DraftPrefill is what Reply/Forward hand back to the composer. Pure
// derivation from a source message; the source is never touched.
type DraftPrefill struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	ReplyTo string   `json:"reply_to"`
}

func quoteBody(m *Message) string {
	header := fmt.Sprintf("On %s, %s wrote:",
		m.AssetCreatedAt.Format("Mon, 2 Jan 2006 15:04"), m.Sender)
	quoted := "> " + strings.ReplaceAll(m.Body, "\n", "\n> ")
	return "\n\n" + header + "\n" + quoted
}

func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + " " + subject
}

// ReplyPrefill targets only the original sender.
func ReplyPrefill(m *Message) DraftPrefill {
	return DraftPrefill{
		To:      []string{m.Sender},
		Cc:      []string{},
		Subject: prefixSubject("Re:", m.Subject),
		Body:    quoteBody(m),
		ReplyTo: m.AssetID,
	}
}

// ReplyAllPrefill targets the sender and carries everyone else on cc,
// minus the replying identity itself.
func ReplyAllPrefill(m *Message, self string) DraftPrefill {
	seen := map[string]bool{m.Sender: true, self: true}
	cc := []string{}
	for _, addr := range append(append([]string{}, m.To...), m.Cc...) {
		if !seen[addr] {
			seen[addr] = true
			cc = append(cc, addr)
		}
	}
	return DraftPrefill{
		To:      []string{m.Sender},
		Cc:      cc,
		Subject: prefixSubject("Re:", m.Subject),
		Body:    quoteBody(m),
		ReplyTo: m.AssetID,
	}
}

// ForwardPrefill leaves recipients empty for the composer to fill in.
func ForwardPrefill(m *Message) DraftPrefill {
	return DraftPrefill{
		To:      []string{},
		Cc:      []string{},
		Subject: prefixSubject("Fwd:", m.Subject),
		Body:    quoteBody(m),
		ReplyTo: m.AssetID,
	}
}
