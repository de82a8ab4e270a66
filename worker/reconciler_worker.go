package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	controller "dmailbox/controllers"
	"dmailbox/models"
	"dmailbox/resolver"
	"dmailbox/store"
	"dmailbox/utils"
)

// Reconciler periodically folds the outside world into the local cache:
// outstanding notices become imported messages, polls and merged ballots,
// foreign polls are refreshed, bound names are rescanned for polls, and
// expired entries are dropped. A pass never fails as a whole; per-asset
// errors are logged and the pass moves on.
type Reconciler struct {
	store    store.Store
	vault    resolver.Client
	logger   *log.Logger
	hub      *controller.UpdateHub
	rdb      *redis.Client
	interval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	// Fallback state when redis is not configured.
	seenNotices map[string]time.Time
	snapshots   map[string]string
}

func NewReconciler(s store.Store, vault resolver.Client, logger *log.Logger, hub *controller.UpdateHub, rdb *redis.Client, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:       s,
		vault:       vault,
		logger:      logger,
		hub:         hub,
		rdb:         rdb,
		interval:    interval,
		cancels:     make(map[string]context.CancelFunc),
		seenNotices: make(map[string]time.Time),
		snapshots:   make(map[string]string),
	}
}

func (rw *Reconciler) Start(ctx context.Context) {
	rw.logger.Println("Starting reconciler worker...")
	ticker := time.NewTicker(rw.interval)

	rw.reconcileAll(ctx)
	for {
		select {
		case <-ticker.C:
			rw.reconcileAll(ctx)
		case <-ctx.Done():
			rw.logger.Println("Stopping reconciler worker...")
			ticker.Stop()
			return
		}
	}
}

func (rw *Reconciler) reconcileAll(ctx context.Context) {
	identities, err := rw.store.ListIdentities(ctx)
	if err != nil {
		rw.logger.Printf("Failed to list identities: %v", err)
		return
	}

	for _, identity := range identities {
		if ctx.Err() != nil {
			return
		}
		if err := rw.ReconcileIdentity(ctx, identity.DID); err != nil {
			rw.logger.Printf("Reconcile pass failed for %s: %v", identity.DID, err)
		}
	}
}

// ReconcileIdentity runs one full pass for a single identity. Safe to call
// concurrently with request handlers: everything runs under the owner lock.
func (rw *Reconciler) ReconcileIdentity(ctx context.Context, did string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rw.mu.Lock()
	rw.cancels[did] = cancel
	rw.mu.Unlock()
	defer func() {
		rw.mu.Lock()
		delete(rw.cancels, did)
		rw.mu.Unlock()
	}()

	return rw.store.WithOwnerLock(did, func() error {
		rw.processNotices(ctx, did)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rw.refreshForeignPolls(ctx, did)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rw.rescanBoundNames(ctx, did)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := controller.ExpireMessages(ctx, rw.store, did); err != nil {
			rw.logger.Printf("Expiry sweep failed for %s: %v", did, err)
		}
		rw.publishSnapshot(ctx, did)
		return ctx.Err()
	})
}

// Cancel aborts any in-flight pass for the identity and forgets its
// reconciler state. Called when the identity is unpaired.
func (rw *Reconciler) Cancel(did string) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if cancel, ok := rw.cancels[did]; ok {
		cancel()
	}
	delete(rw.snapshots, did)
	if rw.rdb != nil {
		rw.rdb.Del(context.Background(), snapshotKey(did))
	}
}

func (rw *Reconciler) processNotices(ctx context.Context, did string) {
	notices, err := rw.vault.ListOutstandingNotices(ctx, did)
	if err != nil {
		rw.logger.Printf("Failed to list notices for %s: %v", did, err)
		return
	}

	now := time.Now()
	for _, notice := range notices {
		if ctx.Err() != nil {
			return
		}
		if notice.Expired(now) {
			continue
		}
		if rw.noticeSeen(ctx, did, notice.ID) {
			continue
		}
		imported := true
		for _, assetID := range notice.AssetIDs {
			if err := rw.importAsset(ctx, did, assetID); err != nil {
				rw.logger.Printf("Failed to import asset %s for %s: %v", assetID, did, err)
				imported = false
			}
		}
		// A notice is consumed only once every asset it references has
		// landed; a partial merge leaves it outstanding for the next tick.
		if imported {
			rw.markNoticeSeen(ctx, did, notice, now)
		}
	}
}

// importAsset decrypts one referenced asset and routes it by its type
// marker. Unreadable or unrecognized assets are an error for the caller to
// log; they never abort the pass.
func (rw *Reconciler) importAsset(ctx context.Context, did, assetID string) error {
	plaintext, err := rw.vault.Decrypt(ctx, did, assetID)
	if err != nil {
		return err
	}
	docType, err := models.SniffDocumentType(plaintext)
	if err != nil {
		return err
	}

	switch docType {
	case models.DocTypeDmail:
		doc, err := models.ParseDmailDocument(plaintext)
		if err != nil {
			return err
		}
		created, err := controller.ImportDmail(ctx, rw.store, did, assetID, doc,
			models.TagSet{models.TagInbox, models.TagUnread})
		if err != nil {
			return err
		}
		if created {
			rw.logger.Printf("Imported dmail %s for %s", assetID, did)
		}
		return nil

	case models.DocTypePoll:
		doc, err := models.ParsePollDocument(plaintext)
		if err != nil {
			return err
		}
		if _, err := controller.ImportPoll(ctx, rw.store, did, assetID, doc); err != nil {
			return err
		}
		return nil

	case models.DocTypeBallot:
		doc, err := models.ParseBallotDocument(plaintext)
		if err != nil {
			return err
		}
		return rw.mergeBallot(ctx, did, assetID, doc)

	default:
		return utils.NewValidationError("asset %s carries unsupported type %q", assetID, docType)
	}
}

// mergeBallot folds a ballot received by notice into the poll the owner
// controls and mirrors the updated ballot map back into the vault.
func (rw *Reconciler) mergeBallot(ctx context.Context, did, ballotAssetID string, doc *models.BallotDocument) error {
	poll, err := rw.store.GetPoll(ctx, did, doc.Poll)
	if err != nil {
		return err
	}
	if !poll.IsController(did) {
		return utils.NewValidationError("ballot %s targets a poll %s does not control", ballotAssetID, did)
	}
	if err := controller.MergeBallot(ctx, rw.store, poll, doc, ballotAssetID); err != nil {
		return err
	}

	payload, err := json.Marshal(poll.Document())
	if err != nil {
		return err
	}
	if _, err := rw.vault.UpdateAsset(ctx, did, poll.AssetID, payload); err != nil {
		return err
	}
	rw.logger.Printf("Merged ballot from %s into poll %s", doc.Voter, poll.AssetID)
	return nil
}

// refreshForeignPolls re-resolves polls controlled by someone else so the
// voter sees ballot counts and published results move.
func (rw *Reconciler) refreshForeignPolls(ctx context.Context, did string) {
	polls, err := rw.store.ListPolls(ctx, did)
	if err != nil {
		rw.logger.Printf("Failed to list polls for %s: %v", did, err)
		return
	}

	for i := range polls {
		if ctx.Err() != nil {
			return
		}
		if polls[i].IsController(did) {
			continue
		}
		// Resolve is metadata only; skip the decrypt when the asset
		// version has not moved since the last refresh.
		meta, err := rw.vault.Resolve(ctx, polls[i].AssetID, nil)
		if err != nil {
			rw.logger.Printf("Failed to resolve poll %s for %s: %v", polls[i].AssetID, did, err)
			continue
		}
		if polls[i].AssetVersion > 0 && meta.Version == polls[i].AssetVersion {
			continue
		}
		plaintext, err := rw.vault.Decrypt(ctx, did, polls[i].AssetID)
		if err != nil {
			rw.logger.Printf("Failed to refresh poll %s for %s: %v", polls[i].AssetID, did, err)
			continue
		}
		doc, err := models.ParsePollDocument(plaintext)
		if err != nil {
			rw.logger.Printf("Poll %s no longer parses: %v", polls[i].AssetID, err)
			continue
		}
		if _, err := controller.ImportPoll(ctx, rw.store, did, polls[i].AssetID, doc); err != nil {
			rw.logger.Printf("Failed to store refreshed poll %s: %v", polls[i].AssetID, err)
			continue
		}
		if refreshed, err := rw.store.GetPoll(ctx, did, polls[i].AssetID); err == nil {
			refreshed.AssetVersion = meta.Version
			if err := rw.store.SavePoll(ctx, refreshed); err != nil {
				rw.logger.Printf("Failed to record poll version %s: %v", polls[i].AssetID, err)
			}
		}
	}
}

// rescanBoundNames walks the identity's bound names and imports any poll
// assets the notice stream missed.
func (rw *Reconciler) rescanBoundNames(ctx context.Context, did string) {
	names, err := rw.vault.ListBoundNames(ctx, did)
	if err != nil {
		rw.logger.Printf("Failed to list bound names for %s: %v", did, err)
		return
	}

	for name, assetID := range names {
		if ctx.Err() != nil {
			return
		}
		if _, err := rw.store.GetPoll(ctx, did, assetID); err == nil {
			continue
		} else if !utils.IsNotFound(err) {
			rw.logger.Printf("Failed to check poll %s: %v", assetID, err)
			continue
		}
		plaintext, err := rw.vault.Decrypt(ctx, did, assetID)
		if err != nil {
			continue
		}
		docType, err := models.SniffDocumentType(plaintext)
		if err != nil || docType != models.DocTypePoll {
			continue
		}
		doc, err := models.ParsePollDocument(plaintext)
		if err != nil {
			continue
		}
		if _, err := controller.ImportPoll(ctx, rw.store, did, assetID, doc); err != nil {
			rw.logger.Printf("Failed to import poll %q (%s): %v", name, assetID, err)
		}
	}
}

// publishSnapshot broadcasts the mailbox state to connected clients, but
// only when it changed since the last pass.
func (rw *Reconciler) publishSnapshot(ctx context.Context, did string) {
	if rw.hub == nil || !rw.hub.Listeners(did) {
		return
	}

	update, err := controller.BuildMailboxUpdate(ctx, rw.store, did)
	if err != nil {
		rw.logger.Printf("Failed to build mailbox update for %s: %v", did, err)
		return
	}

	// Hash everything except the timestamp so an unchanged mailbox stays
	// quiet.
	fingerprint := struct {
		Counts    map[models.Folder]int `json:"counts"`
		OpenPolls int                   `json:"open_polls"`
	}{Counts: update.Counts, OpenPolls: update.OpenPolls}
	raw, err := json.Marshal(fingerprint)
	if err != nil {
		return
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if rw.lastSnapshot(ctx, did) == hash {
		return
	}
	rw.storeSnapshot(ctx, did, hash)
	rw.hub.Broadcast(did, update)
}

func noticeKey(did, noticeID string) string { return "dmailbox:notice_seen:" + did + ":" + noticeID }
func snapshotKey(did string) string         { return "dmailbox:mailbox_hash:" + did }

func (rw *Reconciler) noticeSeen(ctx context.Context, did, noticeID string) bool {
	if rw.rdb != nil {
		n, err := rw.rdb.Exists(ctx, noticeKey(did, noticeID)).Result()
		return err == nil && n > 0
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	until, ok := rw.seenNotices[noticeKey(did, noticeID)]
	if ok && !time.Now().Before(until) {
		delete(rw.seenNotices, noticeKey(did, noticeID))
		return false
	}
	return ok
}

func (rw *Reconciler) markNoticeSeen(ctx context.Context, did string, notice models.Notice, now time.Time) {
	ttl := models.DefaultNoticeValidity
	if !notice.ValidUntil.IsZero() {
		ttl = notice.ValidUntil.Sub(now)
	}
	if ttl <= 0 {
		return
	}
	if rw.rdb != nil {
		rw.rdb.Set(ctx, noticeKey(did, notice.ID), "1", ttl)
		return
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for key, until := range rw.seenNotices {
		if !now.Before(until) {
			delete(rw.seenNotices, key)
		}
	}
	rw.seenNotices[noticeKey(did, notice.ID)] = now.Add(ttl)
}

func (rw *Reconciler) lastSnapshot(ctx context.Context, did string) string {
	if rw.rdb != nil {
		hash, err := rw.rdb.Get(ctx, snapshotKey(did)).Result()
		if err != nil {
			return ""
		}
		return hash
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.snapshots[did]
}

func (rw *Reconciler) storeSnapshot(ctx context.Context, did, hash string) {
	if rw.rdb != nil {
		rw.rdb.Set(ctx, snapshotKey(did), hash, 0)
		return
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.snapshots[did] = hash
}
