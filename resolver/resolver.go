package resolver

import (
	"context"
	"time"

	"dmailbox/models"
)

// Document is the resolver's view of an asset: metadata only, ciphertext
// stays inside the vault. Decrypt is the way to the plaintext.
type Document struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Version int    `json:"version"`
}

// ResolveOptions carries the optional explicit version pin.
type ResolveOptions struct {
	AtVersion int
}

// Client is the narrow interface to the external vault/distribution
// collaborator. The vault owns cryptography, DID resolution and its own
// wire protocol; the engine only sees these capabilities. Timeouts and
// retries are the vault's problem: every call either succeeds with a value
// or fails with a typed error.
type Client interface {
	Resolve(ctx context.Context, id string, opts *ResolveOptions) (*Document, error)
	Decrypt(ctx context.Context, asDID, id string) ([]byte, error)
	CreateAsset(ctx context.Context, asDID string, payload []byte, registry string, readers []string) (string, error)
	UpdateAsset(ctx context.Context, asDID, id string, payload []byte) (bool, error)
	ListOutstandingNotices(ctx context.Context, forDID string) ([]models.Notice, error)
	SendNotice(ctx context.Context, fromDID string, to []string, assetIDs []string, validUntil time.Time) (string, error)
	ListBoundNames(ctx context.Context, forDID string) (map[string]string, error)
	BindName(ctx context.Context, forDID, name, id string) error
}
