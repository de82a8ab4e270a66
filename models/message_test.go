package models

import (
	"strings"
	"testing"
	"time"
)

func TestReplyPrefill(t *testing.T) {
	msg := Message{
		AssetID: "asset:1",
		Sender:  "did:example:bob",
		To:      StringList{"did:example:alice", "did:example:carol"},
		Cc:      StringList{"did:example:dave"},
		Subject: "Quarterly numbers",
		Body:    "line one\nline two",
	}

	reply := ReplyPrefill(&msg)
	if len(reply.To) != 1 || reply.To[0] != "did:example:bob" {
		t.Errorf("reply should target only the sender: %v", reply.To)
	}
	if reply.Subject != "Re: Quarterly numbers" {
		t.Errorf("unexpected subject: %q", reply.Subject)
	}
	if !strings.Contains(reply.Body, "> line one") || !strings.Contains(reply.Body, "> line two") {
		t.Errorf("body not quoted: %q", reply.Body)
	}
	if reply.ReplyTo != "asset:1" {
		t.Errorf("reply_to not set: %q", reply.ReplyTo)
	}

	// Re: must not stack
	msg.Subject = "Re: Quarterly numbers"
	if got := ReplyPrefill(&msg).Subject; got != "Re: Quarterly numbers" {
		t.Errorf("Re: prefix stacked: %q", got)
	}
}

func TestReplyAllPrefill(t *testing.T) {
	msg := Message{
		AssetID: "asset:1",
		Sender:  "did:example:bob",
		To:      StringList{"did:example:alice", "did:example:carol"},
		Cc:      StringList{"did:example:dave", "did:example:bob"},
		Subject: "Hello",
	}

	reply := ReplyAllPrefill(&msg, "did:example:alice")
	if reply.To[0] != "did:example:bob" {
		t.Errorf("reply-all should target the sender: %v", reply.To)
	}
	for _, cc := range reply.Cc {
		if cc == "did:example:alice" {
			t.Error("replying identity must not cc itself")
		}
		if cc == "did:example:bob" {
			t.Error("sender must not appear on cc")
		}
	}
	if len(reply.Cc) != 2 {
		t.Errorf("expected carol and dave on cc, got %v", reply.Cc)
	}
}

func TestForwardPrefill(t *testing.T) {
	msg := Message{AssetID: "asset:1", Sender: "did:example:bob", Subject: "Hello", Body: "hi"}
	fwd := ForwardPrefill(&msg)
	if len(fwd.To) != 0 {
		t.Errorf("forward must leave recipients empty: %v", fwd.To)
	}
	if fwd.Subject != "Fwd: Hello" {
		t.Errorf("unexpected subject: %q", fwd.Subject)
	}
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&Message{}).Expired(now) {
		t.Error("message without expiry reported expired")
	}
	if (&Message{ExpiresAt: &future}).Expired(now) {
		t.Error("message before expiry reported expired")
	}
	if !(&Message{ExpiresAt: &past}).Expired(now) {
		t.Error("message past expiry not reported expired")
	}
}

func TestDocumentRebuildCarriesAttachments(t *testing.T) {
	msg := Message{
		Sender:  "did:example:alice",
		To:      StringList{"did:example:bob"},
		Subject: "With file",
		Tags:    TagSet{TagDraft},
	}
	atts := []Attachment{{Name: "report.pdf", ContentType: "application/pdf", Size: 3, Data: []byte{1, 2, 3}}}

	doc := msg.Document(atts)
	att, ok := doc.Attachments["report.pdf"]
	if !ok {
		t.Fatal("attachment missing from rebuilt document")
	}
	if att.ContentType != "application/pdf" || att.Size != 3 {
		t.Errorf("attachment metadata diverged: %+v", att)
	}

	if empty := msg.Document(nil); empty.Attachments != nil {
		t.Error("document without attachments should omit the map")
	}
}

func TestSniffDocumentType(t *testing.T) {
	if got, err := SniffDocumentType([]byte(`{"type":"dmail","subject":"x"}`)); err != nil || got != DocTypeDmail {
		t.Errorf("sniff = %q, %v", got, err)
	}
	if _, err := SniffDocumentType([]byte(`{"subject":"x"}`)); err == nil {
		t.Error("missing type marker must fail")
	}
	if _, err := SniffDocumentType([]byte(`not json`)); err == nil {
		t.Error("malformed payload must fail")
	}
}

func TestParseDocumentsRejectWrongType(t *testing.T) {
	if _, err := ParseDmailDocument([]byte(`{"type":"poll"}`)); err == nil {
		t.Error("dmail parser accepted a poll document")
	}
	if _, err := ParsePollDocument([]byte(`{"type":"ballot"}`)); err == nil {
		t.Error("poll parser accepted a ballot document")
	}
	if _, err := ParseBallotDocument([]byte(`{"type":"dmail"}`)); err == nil {
		t.Error("ballot parser accepted a dmail document")
	}
}
