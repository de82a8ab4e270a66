package store

import (
	"context"
	"sync"

	"dmailbox/models"
)

// Store is the interface to the local collection cache. Both PostgresStore
// and MemoryStore implement it. Every row is reconstructible from the
// vault plus the notice stream; losing the cache is non-fatal.
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// WithOwnerLock serializes multi-step mutations per identity: the
	// reconciler pass and foreground actions (send, tag, vote) for the
	// same DID never interleave.
	WithOwnerLock(did string, fn func() error) error

	// Identity operations
	EnsureIdentity(ctx context.Context, did, displayName, registry string) (*models.Identity, error)
	GetIdentity(ctx context.Context, did string) (*models.Identity, error)
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	RemoveIdentity(ctx context.Context, did string) error

	// Message operations
	UpsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, ownerDID, assetID string) (*models.Message, error)
	ListMessages(ctx context.Context, ownerDID string) ([]models.Message, error)
	SetMessageTags(ctx context.Context, ownerDID, assetID string, tags models.TagSet) error
	PurgeMessage(ctx context.Context, ownerDID, assetID string) error

	// Attachment operations
	PutAttachment(ctx context.Context, att *models.Attachment) error
	GetAttachment(ctx context.Context, ownerDID, assetID, name string) (*models.Attachment, error)
	ListAttachments(ctx context.Context, ownerDID, assetID string) ([]models.Attachment, error)
	RemoveAttachment(ctx context.Context, ownerDID, assetID, name string) error

	// Poll operations
	UpsertPoll(ctx context.Context, poll *models.Poll) (bool, error)
	GetPoll(ctx context.Context, ownerDID, assetID string) (*models.Poll, error)
	GetPollByName(ctx context.Context, ownerDID, name string) (*models.Poll, error)
	ListPolls(ctx context.Context, ownerDID string) ([]models.Poll, error)
	SavePoll(ctx context.Context, poll *models.Poll) error
}

// ownerLocks is the shared per-identity serialization point embedded by
// both store implementations.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (ol *ownerLocks) lockFor(did string) *sync.Mutex {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	if ol.locks == nil {
		ol.locks = make(map[string]*sync.Mutex)
	}
	if _, ok := ol.locks[did]; !ok {
		ol.locks[did] = &sync.Mutex{}
	}
	return ol.locks[did]
}

func (ol *ownerLocks) WithOwnerLock(did string, fn func() error) error {
	l := ol.lockFor(did)
	l.Lock()
	defer l.Unlock()
	return fn()
}
