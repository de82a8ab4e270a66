package store

import (
	"context"
	"sort"
	"sync"

	"dmailbox/models"
	"dmailbox/utils"
)

// MemoryStore is the map-backed Store used by tests and dev mode.
type MemoryStore struct {
	ownerLocks
	mu          sync.Mutex
	identities  map[string]models.Identity
	messages    map[string]map[string]models.Message    // owner -> asset -> row
	attachments map[string]map[string]models.Attachment // owner -> asset/name -> row
	polls       map[string]map[string]models.Poll       // owner -> asset -> row
	nextID      uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  make(map[string]models.Identity),
		messages:    make(map[string]map[string]models.Message),
		attachments: make(map[string]map[string]models.Attachment),
		polls:       make(map[string]map[string]models.Poll),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) EnsureIdentity(ctx context.Context, did, displayName, registry string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[did]
	if !ok {
		s.nextID++
		identity = models.Identity{DID: did}
		identity.ID = s.nextID
	}
	if displayName != "" {
		identity.DisplayName = displayName
	}
	if registry != "" {
		identity.DefaultRegistry = registry
	}
	s.identities[did] = identity
	return &identity, nil
}

func (s *MemoryStore) GetIdentity(ctx context.Context, did string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[did]
	if !ok {
		return nil, utils.NewNotFoundError("identity", did)
	}
	return &identity, nil
}

func (s *MemoryStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out, nil
}

func (s *MemoryStore) RemoveIdentity(ctx context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, did)
	delete(s.messages, did)
	delete(s.attachments, did)
	delete(s.polls, did)
	return nil
}

func (s *MemoryStore) UpsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[msg.OwnerDID] == nil {
		s.messages[msg.OwnerDID] = make(map[string]models.Message)
	}
	if existing, ok := s.messages[msg.OwnerDID][msg.AssetID]; ok {
		msg.ID = existing.ID
		msg.Tags = existing.Tags
		return false, nil
	}
	s.nextID++
	msg.ID = s.nextID
	s.messages[msg.OwnerDID][msg.AssetID] = *msg
	return true, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.OwnerDID][msg.AssetID]; !ok {
		return utils.NewNotFoundError("message", msg.AssetID)
	}
	s.messages[msg.OwnerDID][msg.AssetID] = *msg
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, ownerDID, assetID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[ownerDID][assetID]
	if !ok {
		return nil, utils.NewNotFoundError("message", assetID)
	}
	return &msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, ownerDID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.messages[ownerDID]))
	for _, msg := range s.messages[ownerDID] {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AssetCreatedAt.After(out[j].AssetCreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SetMessageTags(ctx context.Context, ownerDID, assetID string, tags models.TagSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[ownerDID][assetID]
	if !ok {
		return utils.NewNotFoundError("message", assetID)
	}
	msg.Tags = tags
	s.messages[ownerDID][assetID] = msg
	return nil
}

func (s *MemoryStore) PurgeMessage(ctx context.Context, ownerDID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[ownerDID][assetID]; !ok {
		return utils.NewNotFoundError("message", assetID)
	}
	delete(s.messages[ownerDID], assetID)
	for key := range s.attachments[ownerDID] {
		if att := s.attachments[ownerDID][key]; att.AssetID == assetID {
			delete(s.attachments[ownerDID], key)
		}
	}
	return nil
}

func attachmentKey(assetID, name string) string { return assetID + "/" + name }

func (s *MemoryStore) PutAttachment(ctx context.Context, att *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachments[att.OwnerDID] == nil {
		s.attachments[att.OwnerDID] = make(map[string]models.Attachment)
	}
	key := attachmentKey(att.AssetID, att.Name)
	if existing, ok := s.attachments[att.OwnerDID][key]; ok {
		att.ID = existing.ID
	} else {
		s.nextID++
		att.ID = s.nextID
	}
	s.attachments[att.OwnerDID][key] = *att
	return nil
}

func (s *MemoryStore) GetAttachment(ctx context.Context, ownerDID, assetID, name string) (*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attachments[ownerDID][attachmentKey(assetID, name)]
	if !ok {
		return nil, utils.NewNotFoundError("attachment", name)
	}
	return &att, nil
}

func (s *MemoryStore) ListAttachments(ctx context.Context, ownerDID, assetID string) ([]models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Attachment
	for _, att := range s.attachments[ownerDID] {
		if att.AssetID == assetID {
			out = append(out, att)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) RemoveAttachment(ctx context.Context, ownerDID, assetID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attachmentKey(assetID, name)
	if _, ok := s.attachments[ownerDID][key]; !ok {
		return utils.NewNotFoundError("attachment", name)
	}
	delete(s.attachments[ownerDID], key)
	return nil
}

func (s *MemoryStore) UpsertPoll(ctx context.Context, poll *models.Poll) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls[poll.OwnerDID] == nil {
		s.polls[poll.OwnerDID] = make(map[string]models.Poll)
	}
	if existing, ok := s.polls[poll.OwnerDID][poll.AssetID]; ok {
		poll.ID = existing.ID
		poll.MyBallotID = existing.MyBallotID
		poll.MyBallotValue = existing.MyBallotValue
		s.polls[poll.OwnerDID][poll.AssetID] = *poll
		return false, nil
	}
	s.nextID++
	poll.ID = s.nextID
	s.polls[poll.OwnerDID][poll.AssetID] = *poll
	return true, nil
}

func (s *MemoryStore) GetPoll(ctx context.Context, ownerDID, assetID string) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	poll, ok := s.polls[ownerDID][assetID]
	if !ok {
		return nil, utils.NewNotFoundError("poll", assetID)
	}
	return &poll, nil
}

func (s *MemoryStore) GetPollByName(ctx context.Context, ownerDID, name string) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, poll := range s.polls[ownerDID] {
		if poll.Name == name {
			return &poll, nil
		}
	}
	return nil, utils.NewNotFoundError("poll", name)
}

func (s *MemoryStore) ListPolls(ctx context.Context, ownerDID string) ([]models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Poll, 0, len(s.polls[ownerDID]))
	for _, poll := range s.polls[ownerDID] {
		out = append(out, poll)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (s *MemoryStore) SavePoll(ctx context.Context, poll *models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls[poll.OwnerDID] == nil {
		s.polls[poll.OwnerDID] = make(map[string]models.Poll)
	}
	s.polls[poll.OwnerDID][poll.AssetID] = *poll
	return nil
}
