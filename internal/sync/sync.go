package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/bridgeerr"
	"github.com/localbridge/bridged/internal/config"
	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/store"
)

const (
	settingLastIncrementalSync      = "sync.last_incremental_sync"
	settingLastIncrementalSyncRowID = "sync.last_incremental_sync_row_id"
	settingPushConfig               = "sync.push_config"
	settingServerVersion            = "sync.server_version"

	incrementalLimit = 1000
)

// Syncer drives full bootstrap and incremental sync (component Y). A single
// instance serializes itself via its mutex-guarded busy flag: a run already
// in progress causes a second call to return errSyncInFlight immediately
// rather than interleave writes.
type Syncer struct {
	db   *store.Store
	http *httpclient.Client
	bus  *eventbus.Bus
	cfg  config.SyncSection

	mu   sync.Mutex
	busy bool
}

// New builds a Syncer over db and http, publishing SyncProgress on bus.
func New(db *store.Store, client *httpclient.Client, bus *eventbus.Bus, cfg config.SyncSection) *Syncer {
	return &Syncer{db: db, http: client, bus: bus, cfg: cfg}
}

// errSyncInFlight is returned (and silently logged by callers wiring Y into
// a scheduler) when a sync is requested while one is already running.
var errSyncInFlight = fmt.Errorf("sync: already in progress")

func (y *Syncer) begin() bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.busy {
		return false
	}
	y.busy = true
	return true
}

func (y *Syncer) end() {
	y.mu.Lock()
	y.busy = false
	y.mu.Unlock()
}

func (y *Syncer) progress(phase events.SyncPhase, current, total int, message string) {
	y.bus.Publish(events.SyncProgress{Phase: phase, Current: current, Total: total, Message: message})
}

// Full runs the bootstrap sync described in spec §4.6: server info, push
// config, chats (paginated), per-chat latest messages, then a wholesale
// contacts replace. Each phase emits SyncProgress; a phase failure aborts
// the run but the work already committed to L stays committed — the next
// incremental run closes the remaining gap.
func (y *Syncer) Full(ctx context.Context) error {
	if !y.begin() {
		return errSyncInFlight
	}
	defer y.end()

	if err := y.syncServerInfo(ctx); err != nil {
		return bridgeerr.New("sync.Full", bridgeerr.Unknown, err)
	}
	if err := y.syncPushConfig(ctx); err != nil {
		return bridgeerr.New("sync.Full", bridgeerr.Unknown, err)
	}
	syncedChats, err := y.syncChats(ctx)
	if err != nil {
		return bridgeerr.New("sync.Full", bridgeerr.Unknown, err)
	}
	if err := y.syncMessagesForChats(ctx, syncedChats); err != nil {
		return bridgeerr.New("sync.Full", bridgeerr.Unknown, err)
	}
	if err := y.syncContacts(ctx); err != nil {
		return bridgeerr.New("sync.Full", bridgeerr.Unknown, err)
	}

	if err := y.db.SetSettingInt64(ctx, settingLastIncrementalSync, time.Now().UnixMilli()); err != nil {
		return bridgeerr.New("sync.Full", bridgeerr.Database, err)
	}
	return nil
}

func (y *Syncer) syncServerInfo(ctx context.Context) error {
	y.progress(events.PhaseServerInfo, 0, 1, "fetching server info")
	resp, err := y.http.Get(ctx, "/server/info")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope[serverInfoPayload]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode server info: %w", err)
	}
	if env.Data.ServerVersion != "" {
		if err := y.db.SetSetting(ctx, settingServerVersion, env.Data.ServerVersion); err != nil {
			return err
		}
	}
	y.progress(events.PhaseServerInfo, 1, 1, "server info synced")
	return nil
}

func (y *Syncer) syncPushConfig(ctx context.Context) error {
	y.progress(events.PhasePushConfig, 0, 1, "fetching push config")
	resp, err := y.http.Get(ctx, "/fcm/client")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode push config: %w", err)
	}
	if len(env.Data) > 0 {
		if err := y.db.SetSettingJSON(ctx, settingPushConfig, env.Data); err != nil {
			return err
		}
	}
	y.progress(events.PhasePushConfig, 1, 1, "push config synced")
	return nil
}

// syncedChat pairs a chat's local id with its guid so syncMessagesForChats
// doesn't need a reverse local-id lookup.
type syncedChat struct {
	LocalID int64
	GUID    string
}

// syncChats pages through /chat in batches of cfg.ChatPageSize, upserting
// each chat and its participants, and returns every chat that was kept
// (i.e. not skipped for having no last message).
func (y *Syncer) syncChats(ctx context.Context) ([]syncedChat, error) {
	pageSize := y.cfg.ChatPageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	var kept []syncedChat
	offset := 0
	for {
		path := fmt.Sprintf("/chat?limit=%d&offset=%d&with=participants,lastmessage&sort=lastmessage", pageSize, offset)
		resp, err := y.http.Get(ctx, path)
		if err != nil {
			return kept, err
		}
		var env envelope[[]chatPayload]
		decodeErr := json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if decodeErr != nil {
			return kept, fmt.Errorf("decode chat page: %w", decodeErr)
		}

		for _, cp := range env.Data {
			if y.cfg.SkipChatsNoMessage && cp.LastMessage == nil {
				continue
			}
			id, err := upsertChatPayload(ctx, y.db, cp)
			if err != nil {
				log.Warn().Err(err).Str("chat_guid", cp.GUID).Msg("sync: failed to upsert chat")
				continue
			}
			kept = append(kept, syncedChat{LocalID: id, GUID: cp.GUID})
		}

		offset += len(env.Data)
		y.progress(events.PhaseChats, offset, 0, fmt.Sprintf("synced %d chats", offset))
		if len(env.Data) < pageSize {
			break
		}
	}
	return kept, nil
}

// syncMessagesForChats fetches the latest cfg.MessagesPerPage messages for
// each already-synced chat and upserts them (spec §4.6 step 4).
func (y *Syncer) syncMessagesForChats(ctx context.Context, chats []syncedChat) error {
	perPage := y.cfg.MessagesPerPage
	if perPage <= 0 {
		perPage = 25
	}

	for i, chat := range chats {
		body, _ := json.Marshal(messageQueryRequest{ChatGUID: chat.GUID, With: messageQueryWith, Sort: "DESC", Limit: perPage})
		resp, err := y.http.PostJSON(ctx, "/message/query", body)
		if err != nil {
			log.Warn().Err(err).Str("chat_guid", chat.GUID).Msg("sync: message page fetch failed")
			continue
		}
		var env envelope[[]messagePayload]
		decodeErr := json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("chat_guid", chat.GUID).Msg("sync: message page decode failed")
			continue
		}

		for _, mp := range env.Data {
			if err := y.upsertMessagePayload(ctx, mp, chat.LocalID); err != nil {
				log.Warn().Err(err).Str("guid", mp.GUID).Msg("sync: failed to upsert message")
			}
		}

		y.progress(events.PhaseMessages, i+1, len(chats), fmt.Sprintf("messages for %s", chat.GUID))
	}
	return nil
}

func (y *Syncer) syncContacts(ctx context.Context) error {
	y.progress(events.PhaseContacts, 0, 1, "fetching contacts")
	resp, err := y.http.GetExtended(ctx, "/contact?extraProperties=avatar")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope[[]contactPayload]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode contacts: %w", err)
	}

	contacts := make([]store.Contact, 0, len(env.Data))
	for _, cp := range env.Data {
		c := store.Contact{ExternalID: cp.ID, DisplayName: cp.DisplayName}
		for _, p := range cp.PhoneNumbers {
			c.Phones = append(c.Phones, p.Address)
		}
		for _, e := range cp.Emails {
			c.Emails = append(c.Emails, e.Address)
		}
		if cp.Avatar != "" {
			if raw, err := base64.StdEncoding.DecodeString(cp.Avatar); err == nil {
				c.Avatar = raw
			}
		}
		contacts = append(contacts, c)
	}

	if err := y.db.ReplaceAllContacts(ctx, contacts); err != nil {
		return err
	}
	y.progress(events.PhaseContacts, 1, 1, fmt.Sprintf("replaced %d contacts", len(contacts)))
	return nil
}

// Incremental implements spec §4.6's two incremental paths. ROWID mode is
// preferred whenever a prior run has recorded a last_incremental_sync_row_id;
// the timestamp path is a best-effort fallback used only on a cold start
// where no row id baseline exists yet.
func (y *Syncer) Incremental(ctx context.Context) error {
	if !y.begin() {
		return errSyncInFlight
	}
	defer y.end()

	lastRowID := y.db.GetSettingInt64(ctx, settingLastIncrementalSyncRowID, 0)
	if lastRowID > 0 {
		return y.incrementalByRowID(ctx, lastRowID)
	}
	return y.incrementalByTimestamp(ctx)
}

func (y *Syncer) incrementalByRowID(ctx context.Context, afterRowID int64) error {
	body, _ := json.Marshal(messageQueryRequest{With: messageQueryWith, Sort: "ASC", Limit: incrementalLimit, AfterID: afterRowID})
	resp, err := y.http.PostJSON(ctx, "/message/query", body)
	if err != nil {
		return bridgeerr.New("sync.incrementalByRowID", bridgeerr.Unknown, err)
	}
	var env envelope[[]messagePayload]
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	resp.Body.Close()
	if decodeErr != nil {
		return fmt.Errorf("decode incremental page: %w", decodeErr)
	}

	maxRowID := afterRowID
	for i, mp := range env.Data {
		chatLocalID, err := y.resolveMessageChat(ctx, mp)
		if err != nil {
			log.Warn().Err(err).Str("guid", mp.GUID).Msg("sync: incremental message has no resolvable chat")
			continue
		}
		if err := y.upsertMessagePayload(ctx, mp, chatLocalID); err != nil {
			log.Warn().Err(err).Str("guid", mp.GUID).Msg("sync: failed to upsert incremental message")
			continue
		}
		if mp.RowID != nil && *mp.RowID > maxRowID {
			maxRowID = *mp.RowID
		}
		y.progress(events.PhaseIncremental, i+1, len(env.Data), "incremental (rowid)")
	}

	if maxRowID > afterRowID {
		if err := y.db.SetSettingInt64(ctx, settingLastIncrementalSyncRowID, maxRowID); err != nil {
			return err
		}
	}
	return nil
}

// incrementalByTimestamp is the fallback path used when no row id baseline
// exists. Clock skew between client and server makes this best-effort: it
// may re-fetch messages the ROWID path would have deduplicated by id, but L's
// upsert is idempotent so a re-fetch is harmless beyond wasted bandwidth.
func (y *Syncer) incrementalByTimestamp(ctx context.Context) error {
	lastSyncMs := y.db.GetSettingInt64(ctx, settingLastIncrementalSync, 0)

	countResp, err := y.http.Get(ctx, fmt.Sprintf("/message/count?after=%d", lastSyncMs))
	if err != nil {
		return bridgeerr.New("sync.incrementalByTimestamp", bridgeerr.Unknown, err)
	}
	var countEnv envelope[struct {
		Total int `json:"total"`
	}]
	decodeErr := json.NewDecoder(countResp.Body).Decode(&countEnv)
	countResp.Body.Close()
	if decodeErr != nil {
		return fmt.Errorf("decode message count: %w", decodeErr)
	}
	if countEnv.Data.Total == 0 {
		return nil
	}

	limit := countEnv.Data.Total
	if limit > incrementalLimit {
		limit = incrementalLimit
	}

	body, _ := json.Marshal(messageQueryRequest{With: messageQueryWith, Sort: "ASC", Limit: limit, After: lastSyncMs})
	resp, err := y.http.PostJSON(ctx, "/message/query", body)
	if err != nil {
		return bridgeerr.New("sync.incrementalByTimestamp", bridgeerr.Unknown, err)
	}
	var env envelope[[]messagePayload]
	decodeErr = json.NewDecoder(resp.Body).Decode(&env)
	resp.Body.Close()
	if decodeErr != nil {
		return fmt.Errorf("decode incremental page: %w", decodeErr)
	}

	for i, mp := range env.Data {
		chatLocalID, err := y.resolveMessageChat(ctx, mp)
		if err != nil {
			log.Warn().Err(err).Str("guid", mp.GUID).Msg("sync: incremental message has no resolvable chat")
			continue
		}
		if err := y.upsertMessagePayload(ctx, mp, chatLocalID); err != nil {
			log.Warn().Err(err).Str("guid", mp.GUID).Msg("sync: failed to upsert incremental message")
		}
		y.progress(events.PhaseIncremental, i+1, len(env.Data), "incremental (timestamp, best-effort)")
	}

	return y.db.SetSettingInt64(ctx, settingLastIncrementalSync, time.Now().UnixMilli())
}

func (y *Syncer) resolveMessageChat(ctx context.Context, mp messagePayload) (int64, error) {
	if len(mp.Chats) == 0 {
		return 0, fmt.Errorf("message %s carries no embedded chat", mp.GUID)
	}
	return upsertChatPayload(ctx, y.db, mp.Chats[0])
}

func upsertChatPayload(ctx context.Context, db *store.Store, cp chatPayload) (int64, error) {
	style := store.StyleDirect
	if cp.Style == "group" || len(cp.Participants) > 1 {
		style = store.StyleGroup
	}

	chatLocalID, err := db.UpsertChat(ctx, &store.Chat{
		GUID:           cp.GUID,
		ChatIdentifier: cp.ChatIdentifier,
		DisplayName:    cp.DisplayName,
		Style:          style,
	})
	if err != nil {
		return 0, err
	}

	if len(cp.Participants) > 0 {
		handleIDs := make([]int64, 0, len(cp.Participants))
		for _, hp := range cp.Participants {
			if hp.Address == "" {
				continue
			}
			id, err := db.UpsertHandle(ctx, hp.Address, hp.Service)
			if err != nil {
				continue
			}
			handleIDs = append(handleIDs, id)
		}
		if err := db.SetChatParticipants(ctx, chatLocalID, handleIDs); err != nil {
			log.Warn().Err(err).Str("chat_guid", cp.GUID).Msg("sync: failed to set chat participants")
		}
	}

	return chatLocalID, nil
}

func (y *Syncer) upsertMessagePayload(ctx context.Context, mp messagePayload, chatLocalID int64) error {
	var handleLocalID *int64
	if mp.Handle != nil && mp.Handle.Address != "" {
		id, err := y.db.UpsertHandle(ctx, mp.Handle.Address, mp.Handle.Service)
		if err == nil {
			handleLocalID = &id
		}
	}

	msg := &store.Message{
		GUID:                  mp.GUID,
		ChatLocalID:           chatLocalID,
		HandleLocalID:         handleLocalID,
		Text:                  mp.Text,
		Subject:               mp.Subject,
		IsFromMe:              mp.IsFromMe,
		DateCreatedMs:         decodeTimestamp(mp.DateCreated),
		DateReadMs:            decodeTimestamp(mp.DateRead),
		DateDeliveredMs:       decodeTimestamp(mp.DateDelivered),
		DateEditedMs:          decodeTimestamp(mp.DateEdited),
		DateDeletedMs:         decodeTimestamp(mp.DateDeleted),
		ErrorCode:             mp.Error,
		AssociatedMessageGUID: mp.AssociatedMessageGUID,
		AssociatedMessageType: mp.AssociatedMessageType,
		ThreadOriginatorGUID:  mp.ThreadOriginatorGUID,
		ItemType:              mp.ItemType,
		HasAttachments:        mp.HasAttachments,
		HasReactions:          mp.HasReactions,
		IsBookmarked:          mp.IsBookmarked,
		BalloonBundleID:       mp.BalloonBundleID,
		MessageSummaryInfo:    mp.MessageSummaryInfo,
	}

	msgLocalID, err := y.db.UpsertMessage(ctx, msg)
	if err != nil {
		return err
	}

	for _, ap := range mp.Attachments {
		if ap.GUID == "" {
			continue
		}
		if _, err := y.db.UpsertAttachment(ctx, &store.Attachment{
			GUID:           ap.GUID,
			MessageLocalID: msgLocalID,
			MimeType:       ap.MimeType,
			TransferName:   ap.TransferName,
			TotalBytes:     ap.TotalBytes,
		}); err != nil {
			log.Warn().Err(err).Str("guid", ap.GUID).Msg("sync: failed to upsert attachment")
		}
	}
	return nil
}

func decodeTimestamp(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return store.NormalizeTimestamp(v)
}
