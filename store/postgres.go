package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"dmailbox/models"
	"dmailbox/utils"
)

// PostgresStore is the gorm-backed cache used in production.
type PostgresStore struct {
	ownerLocks
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) EnsureIdentity(ctx context.Context, did, displayName, registry string) (*models.Identity, error) {
	var identity models.Identity
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&identity).Error
	if err == nil {
		changed := false
		if displayName != "" && identity.DisplayName != displayName {
			identity.DisplayName = displayName
			changed = true
		}
		if registry != "" && identity.DefaultRegistry != registry {
			identity.DefaultRegistry = registry
			changed = true
		}
		if changed {
			if err := s.db.WithContext(ctx).Save(&identity).Error; err != nil {
				return nil, err
			}
		}
		return &identity, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	identity = models.Identity{DID: did, DisplayName: displayName, DefaultRegistry: registry}
	if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, did string) (*models.Identity, error) {
	var identity models.Identity
	if err := s.db.WithContext(ctx).Where("did = ?", did).First(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("identity", did)
		}
		return nil, err
	}
	return &identity, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	var identities []models.Identity
	if err := s.db.WithContext(ctx).Find(&identities).Error; err != nil {
		return nil, err
	}
	return identities, nil
}

func (s *PostgresStore) RemoveIdentity(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_did = ?", did).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_did = ?", did).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_did = ?", did).Delete(&models.Poll{}).Error; err != nil {
			return err
		}
		return tx.Where("did = ?", did).Delete(&models.Identity{}).Error
	})
}

// UpsertMessage inserts the row if the asset is new for this identity.
// Existing rows keep their tag set: re-importing a known asset is a no-op,
// which is what makes notice processing idempotent.
func (s *PostgresStore) UpsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	var existing models.Message
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ?", msg.OwnerDID, msg.AssetID).
		First(&existing).Error
	if err == nil {
		msg.ID = existing.ID
		msg.Tags = existing.Tags
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMessage saves content-field changes to an existing row.
func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == 0 {
		return utils.NewNotFoundError("message", msg.AssetID)
	}
	return s.db.WithContext(ctx).Save(msg).Error
}

func (s *PostgresStore) GetMessage(ctx context.Context, ownerDID, assetID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ?", ownerDID, assetID).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("message", assetID)
		}
		return nil, err
	}
	return &msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, ownerDID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.WithContext(ctx).
		Where("owner_did = ?", ownerDID).
		Order("asset_created_at DESC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PostgresStore) SetMessageTags(ctx context.Context, ownerDID, assetID string, tags models.TagSet) error {
	result := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("owner_did = ? AND asset_id = ?", ownerDID, assetID).
		Update("tags", tags)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.NewNotFoundError("message", assetID)
	}
	return nil
}

func (s *PostgresStore) PurgeMessage(ctx context.Context, ownerDID, assetID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("owner_did = ? AND asset_id = ?", ownerDID, assetID).
			Delete(&models.Message{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return utils.NewNotFoundError("message", assetID)
		}
		return tx.Where("owner_did = ? AND asset_id = ?", ownerDID, assetID).
			Delete(&models.Attachment{}).Error
	})
}

func (s *PostgresStore) PutAttachment(ctx context.Context, att *models.Attachment) error {
	var existing models.Attachment
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ? AND name = ?", att.OwnerDID, att.AssetID, att.Name).
		First(&existing).Error
	if err == nil {
		att.ID = existing.ID
		return s.db.WithContext(ctx).Save(att).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.WithContext(ctx).Create(att).Error
}

func (s *PostgresStore) GetAttachment(ctx context.Context, ownerDID, assetID, name string) (*models.Attachment, error) {
	var att models.Attachment
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ? AND name = ?", ownerDID, assetID, name).
		First(&att).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("attachment", name)
		}
		return nil, err
	}
	return &att, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, ownerDID, assetID string) ([]models.Attachment, error) {
	var atts []models.Attachment
	if err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ?", ownerDID, assetID).
		Order("name ASC").
		Find(&atts).Error; err != nil {
		return nil, err
	}
	return atts, nil
}

func (s *PostgresStore) RemoveAttachment(ctx context.Context, ownerDID, assetID, name string) error {
	result := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ? AND name = ?", ownerDID, assetID, name).
		Delete(&models.Attachment{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.NewNotFoundError("attachment", name)
	}
	return nil
}

// UpsertPoll refreshes the document-derived fields of a known poll
// (ballots and results move under the controller's hand) while keeping the
// local-only ballot bookkeeping.
func (s *PostgresStore) UpsertPoll(ctx context.Context, poll *models.Poll) (bool, error) {
	var existing models.Poll
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ?", poll.OwnerDID, poll.AssetID).
		First(&existing).Error
	if err == nil {
		poll.ID = existing.ID
		poll.MyBallotID = existing.MyBallotID
		poll.MyBallotValue = existing.MyBallotValue
		return false, s.db.WithContext(ctx).Save(poll).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if err := s.db.WithContext(ctx).Create(poll).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) GetPoll(ctx context.Context, ownerDID, assetID string) (*models.Poll, error) {
	var poll models.Poll
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND asset_id = ?", ownerDID, assetID).
		First(&poll).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("poll", assetID)
		}
		return nil, err
	}
	return &poll, nil
}

func (s *PostgresStore) GetPollByName(ctx context.Context, ownerDID, name string) (*models.Poll, error) {
	var poll models.Poll
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND name = ?", ownerDID, name).
		First(&poll).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("poll", name)
		}
		return nil, err
	}
	return &poll, nil
}

func (s *PostgresStore) ListPolls(ctx context.Context, ownerDID string) ([]models.Poll, error) {
	var polls []models.Poll
	if err := s.db.WithContext(ctx).
		Where("owner_did = ?", ownerDID).
		Order("deadline ASC").
		Find(&polls).Error; err != nil {
		return nil, err
	}
	return polls, nil
}

func (s *PostgresStore) SavePoll(ctx context.Context, poll *models.Poll) error {
	return s.db.WithContext(ctx).Save(poll).Error
}
