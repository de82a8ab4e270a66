package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmailbox/models"
	"dmailbox/utils"
)

type memAsset struct {
	payload []byte
	owner   string
	readers map[string]bool
	version int
}

// MemoryVault is an in-process vault used by tests and by dev mode when no
// real vault is configured. It mimics the access model: Decrypt succeeds
// only for the owner or a listed reader.
type MemoryVault struct {
	mu      sync.Mutex
	assets  map[string]*memAsset
	notices map[string][]models.Notice
	names   map[string]map[string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		assets:  make(map[string]*memAsset),
		notices: make(map[string][]models.Notice),
		names:   make(map[string]map[string]string),
	}
}

func (v *MemoryVault) Resolve(ctx context.Context, id string, opts *ResolveOptions) (*Document, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.assets[id]
	if !ok {
		return nil, utils.NewNotFoundError("asset", id)
	}
	if opts != nil && opts.AtVersion > 0 && opts.AtVersion > a.version {
		return nil, utils.NewNotFoundError("asset version", fmt.Sprintf("%s@%d", id, opts.AtVersion))
	}
	return &Document{ID: id, Owner: a.owner, Version: a.version}, nil
}

func (v *MemoryVault) Decrypt(ctx context.Context, asDID, id string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.assets[id]
	if !ok {
		return nil, utils.NewNotFoundError("asset", id)
	}
	if a.owner != asDID && !a.readers[asDID] {
		return nil, &utils.DecryptionError{AssetID: id, Err: fmt.Errorf("not addressed to %s", asDID)}
	}
	out := make([]byte, len(a.payload))
	copy(out, a.payload)
	return out, nil
}

func (v *MemoryVault) CreateAsset(ctx context.Context, asDID string, payload []byte, registry string, readers []string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := "asset:" + uuid.NewString()
	readerSet := make(map[string]bool, len(readers))
	for _, r := range readers {
		readerSet[r] = true
	}
	v.assets[id] = &memAsset{
		payload: append([]byte(nil), payload...),
		owner:   asDID,
		readers: readerSet,
		version: 1,
	}
	return id, nil
}

func (v *MemoryVault) UpdateAsset(ctx context.Context, asDID, id string, payload []byte) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.assets[id]
	if !ok {
		return false, utils.NewNotFoundError("asset", id)
	}
	if a.owner != asDID {
		return false, nil
	}
	a.payload = append([]byte(nil), payload...)
	a.version++
	return true, nil
}

// SetReaders replaces an asset's reader list; tests use it to model
// re-keying on send.
func (v *MemoryVault) SetReaders(id string, readers []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.assets[id]
	if !ok {
		return
	}
	a.readers = make(map[string]bool, len(readers))
	for _, r := range readers {
		a.readers[r] = true
	}
}

func (v *MemoryVault) ListOutstandingNotices(ctx context.Context, forDID string) ([]models.Notice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	kept := v.notices[forDID][:0]
	var out []models.Notice
	for _, n := range v.notices[forDID] {
		if n.Expired(now) {
			continue
		}
		kept = append(kept, n)
		out = append(out, n)
	}
	v.notices[forDID] = kept
	return out, nil
}

func (v *MemoryVault) SendNotice(ctx context.Context, fromDID string, to []string, assetIDs []string, validUntil time.Time) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := models.Notice{
		ID:         "notice:" + uuid.NewString(),
		To:         append([]string(nil), to...),
		AssetIDs:   append([]string(nil), assetIDs...),
		ValidUntil: validUntil,
	}
	for _, recipient := range to {
		v.notices[recipient] = append(v.notices[recipient], n)
		// The vault grants every notice recipient read access to the
		// referenced assets as part of distribution.
		for _, id := range assetIDs {
			if a, ok := v.assets[id]; ok {
				a.readers[recipient] = true
			}
		}
	}
	return n.ID, nil
}

// ConsumeNotice drops a delivered notice; tests call it to model a notice
// leaving the outstanding set after its validity window.
func (v *MemoryVault) ConsumeNotice(forDID, noticeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := v.notices[forDID][:0]
	for _, n := range v.notices[forDID] {
		if n.ID != noticeID {
			kept = append(kept, n)
		}
	}
	v.notices[forDID] = kept
}

func (v *MemoryVault) ListBoundNames(ctx context.Context, forDID string) (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.names[forDID]))
	for name, id := range v.names[forDID] {
		out[name] = id
	}
	return out, nil
}

func (v *MemoryVault) BindName(ctx context.Context, forDID, name, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.names[forDID] == nil {
		v.names[forDID] = make(map[string]string)
	}
	if _, taken := v.names[forDID][name]; taken {
		return utils.NewValidationError("name %q is already bound", name)
	}
	v.names[forDID][name] = id
	return nil
}
