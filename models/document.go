package models

import (
	"encoding/json"
	"fmt"
)

// SniffDocumentType peeks at a decrypted payload's "type" marker without
// fully decoding it. The reconciler uses it to classify assets discovered
// through notices or bound names.
func SniffDocumentType(plaintext []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plaintext, &probe); err != nil {
		return "", fmt.Errorf("malformed document: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("document carries no type marker")
	}
	return probe.Type, nil
}

func ParseDmailDocument(plaintext []byte) (*DmailDocument, error) {
	var doc DmailDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("malformed dmail document: %w", err)
	}
	if doc.Type != DocTypeDmail {
		return nil, fmt.Errorf("expected %s document, got %q", DocTypeDmail, doc.Type)
	}
	return &doc, nil
}

func ParsePollDocument(plaintext []byte) (*PollDocument, error) {
	var doc PollDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("malformed poll document: %w", err)
	}
	if doc.Type != DocTypePoll {
		return nil, fmt.Errorf("expected %s document, got %q", DocTypePoll, doc.Type)
	}
	return &doc, nil
}

func ParseBallotDocument(plaintext []byte) (*BallotDocument, error) {
	var doc BallotDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("malformed ballot document: %w", err)
	}
	if doc.Type != DocTypeBallot {
		return nil, fmt.Errorf("expected %s document, got %q", DocTypeBallot, doc.Type)
	}
	return &doc, nil
}
