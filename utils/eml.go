package utils

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"dmailbox/models"
)

// ExportEML renders a dmail plus its attachments as an RFC822 message so
// it can be opened in a regular mail client. DIDs are not parseable
// addresses, so the address headers are set verbatim.
func ExportEML(msg *models.Message, attachments []models.Attachment) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(msg.AssetCreatedAt)
	h.SetSubject(msg.Subject)
	h.Set("From", msg.Sender)
	h.Set("To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		h.Set("Cc", strings.Join(msg.Cc, ", "))
	}
	if msg.ReplyTo != "" {
		h.Set("In-Reply-To", msg.ReplyTo)
	}
	h.Set("X-Dmail-Asset-Id", msg.AssetID)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	bw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(bw, msg.Body); err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}

	for _, att := range attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.Set("Content-Type", contentType)
		ah.SetFilename(att.Name)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(att.Data); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
