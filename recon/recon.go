// This package is the bridge between replicated config state and the
// relational tables the application reads. After a namespace merge it upserts
// rows using the records' embedded timestamps, so a newer local row is never
// blindly overwritten by older remote state. It also persists per-namespace
// dumps for crash recovery, each independently loadable.
//
// Apart from NewManager, every method must be called inside a database Run
// scope; this lets the caller batch several reconciliations into one commit.
package recon

import (
	"database/sql"

	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	db "github.com/plait-im/go-plait/internal/db"
	"github.com/plait-im/go-plait/migration"
	"github.com/plait-im/go-plait/record"
	"github.com/plait-im/go-plait/state"
	"go.uber.org/zap"
)

type Manager struct {
	log    *zap.SugaredLogger
	config *config.Config
	clock  clock.Clock
	db     *db.Database
}

func NewManager(c *config.Config, cl clock.Clock, d *db.Database) (*Manager, error) {
	m := &Manager{
		log:    c.Logger("recon"),
		config: c,
		clock:  cl,
		db:     d,
	}
	if err := d.Migrate("recon", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE contacts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	pic_url TEXT NOT NULL DEFAULT '',
	pic_key BLOB,
	approved INTEGER NOT NULL DEFAULT 0,
	approved_me INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	priority INT8 NOT NULL DEFAULT 0,
	created_ms INT8 NOT NULL DEFAULT 0,
	mtime_ms INT8 NOT NULL DEFAULT 0
);

CREATE TABLE profile (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	pic_url TEXT NOT NULL DEFAULT '',
	pic_key BLOB,
	nts_priority INT8 NOT NULL DEFAULT 0,
	nts_exp_seconds INT8 NOT NULL DEFAULT 0,
	blocks_requests INTEGER NOT NULL DEFAULT 0,
	mtime_ms INT8 NOT NULL DEFAULT 0
);

CREATE TABLE conversations (
	key TEXT PRIMARY KEY,
	last_read_ms INT8 NOT NULL DEFAULT 0,
	unread INTEGER NOT NULL DEFAULT 0,
	mtime_ms INT8 NOT NULL DEFAULT 0
);

CREATE TABLE groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	pic_url TEXT NOT NULL DEFAULT '',
	pic_key BLOB,
	formed_ms INT8 NOT NULL DEFAULT 0,
	delete_before_ms INT8 NOT NULL DEFAULT 0,
	attach_delete_before_ms INT8 NOT NULL DEFAULT 0,
	destroyed INTEGER NOT NULL DEFAULT 0,
	priority INT8 NOT NULL DEFAULT 0,
	joined_ms INT8 NOT NULL DEFAULT 0,
	is_admin INTEGER NOT NULL DEFAULT 0,
	mtime_ms INT8 NOT NULL DEFAULT 0
);

CREATE TABLE communities (
	key TEXT PRIMARY KEY,
	base_url TEXT NOT NULL,
	room TEXT NOT NULL,
	pubkey TEXT NOT NULL,
	priority INT8 NOT NULL DEFAULT 0,
	mtime_ms INT8 NOT NULL DEFAULT 0
);

CREATE TABLE group_members (
	group_id TEXT NOT NULL,
	member_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	is_admin INTEGER NOT NULL DEFAULT 0,
	invited INT8 NOT NULL DEFAULT 0,
	promoted INT8 NOT NULL DEFAULT 0,
	removed INT8 NOT NULL DEFAULT 0,
	mtime_ms INT8 NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, member_id)
);

CREATE TABLE messages (
	id TEXT PRIMARY KEY,
	convo TEXT NOT NULL,
	body BLOB,
	timestamp_ms INT8 NOT NULL,
	has_attachment INTEGER NOT NULL DEFAULT 0,
	server_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX messages_convo_ts ON messages (convo, timestamp_ms);

CREATE TABLE dumps (
	namespace INT8 NOT NULL,
	owner TEXT NOT NULL,
	timestamp_ms INT8 NOT NULL,
	blob BLOB NOT NULL,
	PRIMARY KEY (namespace, owner)
);
`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveDump persists one namespace's snapshot. Dumps are keyed by namespace
// and owner so losing or corrupting one never affects another.
func (m *Manager) SaveDump(ns state.Namespace, owner string, timestampMs uint64, blob []byte) error {
	_, err := m.db.Tx.Exec(`
		INSERT INTO dumps (namespace, owner, timestamp_ms, blob) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, owner) DO UPDATE SET timestamp_ms = excluded.timestamp_ms, blob = excluded.blob`,
		int64(ns), owner, int64(timestampMs), blob)
	return err
}

// LoadDump returns the stored snapshot for a namespace, or nil when none
// exists yet.
func (m *Manager) LoadDump(ns state.Namespace, owner string) ([]byte, uint64, error) {
	var blob []byte
	var timestampMs int64
	row := m.db.Tx.QueryRow("SELECT blob, timestamp_ms FROM dumps WHERE namespace = ? AND owner = ?", int64(ns), owner)
	if err := row.Scan(&blob, &timestampMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return blob, uint64(timestampMs), nil
}

// ApplyContacts reconciles the contacts table against merged state. Rows
// newer than their record are kept; rows whose record disappeared are
// removed.
func (m *Manager) ApplyContacts(contacts *state.Contacts) error {
	existing, err := m.rowMtimes("SELECT id, mtime_ms FROM contacts")
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	if err := contacts.Iterate(func(r *record.Record) error {
		seen[r.Key] = true
		if mtime, ok := existing[r.Key]; ok && mtime > r.Mtime() {
			return nil
		}
		ct := state.ContactFromRecord(r)
		_, err := m.db.Tx.Exec(`
			INSERT INTO contacts (id, name, nickname, pic_url, pic_key, approved, approved_me, blocked, priority, created_ms, mtime_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, nickname = excluded.nickname,
				pic_url = excluded.pic_url, pic_key = excluded.pic_key,
				approved = excluded.approved, approved_me = excluded.approved_me,
				blocked = excluded.blocked, priority = excluded.priority,
				created_ms = excluded.created_ms, mtime_ms = excluded.mtime_ms`,
			string(ct.ID), ct.Name, ct.Nickname, ct.Pic.URL, ct.Pic.Key,
			ct.Approved, ct.ApprovedMe, ct.Blocked, ct.Priority, int64(ct.CreatedMs), int64(r.Mtime()))
		return err
	}); err != nil {
		return err
	}
	for id := range existing {
		if !seen[id] {
			if _, err := m.db.Tx.Exec("DELETE FROM contacts WHERE id = ?", id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyUserProfile reconciles the single profile row.
func (m *Manager) ApplyUserProfile(owner string, profile *state.UserProfile) error {
	var mtime uint64
	if err := profile.Iterate(func(r *record.Record) error {
		mtime = r.Mtime()
		return nil
	}); err != nil {
		return err
	}
	existing, err := m.rowMtimes("SELECT id, mtime_ms FROM profile")
	if err != nil {
		return err
	}
	if prev, ok := existing[owner]; ok && prev > mtime {
		return nil
	}
	pic := profile.Pic()
	_, err = m.db.Tx.Exec(`
		INSERT INTO profile (id, name, pic_url, pic_key, nts_priority, nts_exp_seconds, blocks_requests, mtime_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, pic_url = excluded.pic_url, pic_key = excluded.pic_key,
			nts_priority = excluded.nts_priority, nts_exp_seconds = excluded.nts_exp_seconds,
			blocks_requests = excluded.blocks_requests, mtime_ms = excluded.mtime_ms`,
		owner, profile.Name(), pic.URL, pic.Key,
		profile.NoteToSelfPriority(), int64(profile.NoteToSelfExpirySecs()),
		profile.BlocksCommunityMessageRequests(), int64(mtime))
	return err
}

// ApplyConvos reconciles the conversations table. The last-read cursor only
// moves forward regardless of row and record timestamps.
func (m *Manager) ApplyConvos(convos *state.ConvoInfoVolatile) error {
	existing, err := m.rowMtimes("SELECT key, mtime_ms FROM conversations")
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	if err := convos.Iterate(func(r *record.Record) error {
		seen[r.Key] = true
		cv := state.ConvoFromRecord(r)
		if mtime, ok := existing[r.Key]; ok && mtime > r.Mtime() {
			// still advance the cursor, it merges by max
			_, err := m.db.Tx.Exec(
				"UPDATE conversations SET last_read_ms = max(last_read_ms, ?) WHERE key = ?",
				int64(cv.LastReadMs), r.Key)
			return err
		}
		_, err := m.db.Tx.Exec(`
			INSERT INTO conversations (key, last_read_ms, unread, mtime_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				last_read_ms = max(conversations.last_read_ms, excluded.last_read_ms),
				unread = excluded.unread, mtime_ms = excluded.mtime_ms`,
			r.Key, int64(cv.LastReadMs), cv.Unread, int64(r.Mtime()))
		return err
	}); err != nil {
		return err
	}
	for key := range existing {
		if !seen[key] {
			if _, err := m.db.Tx.Exec("DELETE FROM conversations WHERE key = ?", key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyUserGroups reconciles group and community membership rows.
func (m *Manager) ApplyUserGroups(groups *state.UserGroups) error {
	groupRows, err := m.rowMtimes("SELECT id, mtime_ms FROM groups")
	if err != nil {
		return err
	}
	commRows, err := m.rowMtimes("SELECT key, mtime_ms FROM communities")
	if err != nil {
		return err
	}
	seenGroups := make(map[string]bool)
	seenComms := make(map[string]bool)
	if err := groups.Iterate(func(r *record.Record) error {
		if ids.IsGroupID(r.Key) {
			seenGroups[r.Key] = true
			if mtime, ok := groupRows[r.Key]; ok && mtime > r.Mtime() {
				return nil
			}
			g := state.GroupEntryFromRecord(r)
			_, err := m.db.Tx.Exec(`
				INSERT INTO groups (id, name, priority, joined_ms, is_admin, destroyed, mtime_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					name = excluded.name, priority = excluded.priority,
					joined_ms = excluded.joined_ms, is_admin = excluded.is_admin,
					destroyed = excluded.destroyed, mtime_ms = excluded.mtime_ms`,
				string(g.ID), g.Name, g.Priority, int64(g.JoinedMs), g.IsAdmin(), g.Destroyed, int64(r.Mtime()))
			return err
		}
		seenComms[r.Key] = true
		if mtime, ok := commRows[r.Key]; ok && mtime > r.Mtime() {
			return nil
		}
		e := state.CommunityEntryFromRecord(r)
		_, err := m.db.Tx.Exec(`
			INSERT INTO communities (key, base_url, room, pubkey, priority, mtime_ms)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				base_url = excluded.base_url, room = excluded.room, pubkey = excluded.pubkey,
				priority = excluded.priority, mtime_ms = excluded.mtime_ms`,
			r.Key, e.BaseURL, e.Room, e.PubKeyHex, e.Priority, int64(r.Mtime()))
		return err
	}); err != nil {
		return err
	}
	for id := range groupRows {
		if !seenGroups[id] {
			if _, err := m.db.Tx.Exec("DELETE FROM groups WHERE id = ?", id); err != nil {
				return err
			}
		}
	}
	for key := range commRows {
		if !seenComms[key] {
			if _, err := m.db.Tx.Exec("DELETE FROM communities WHERE key = ?", key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyGroupInfo reconciles a group's metadata row and enforces its retention
// markers: messages older than delete_before (or attach_delete_before for
// attachments) are deleted locally. When the local party is an admin the
// server hashes of the deleted messages are returned so the caller can issue
// deletion requests to the swarm, one per known hash.
func (m *Manager) ApplyGroupInfo(info *state.GroupInfo, admin bool) ([]string, error) {
	groupID := string(info.GroupID())
	existing, err := m.rowMtimes("SELECT id, mtime_ms FROM groups")
	if err != nil {
		return nil, err
	}
	var mtime uint64
	if err := info.Iterate(func(r *record.Record) error {
		mtime = r.Mtime()
		return nil
	}); err != nil {
		return nil, err
	}
	if prev, ok := existing[groupID]; !ok || prev <= mtime {
		pic := info.Pic()
		if _, err := m.db.Tx.Exec(`
			INSERT INTO groups (id, name, description, pic_url, pic_key, formed_ms, delete_before_ms, attach_delete_before_ms, destroyed, mtime_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, description = excluded.description,
				pic_url = excluded.pic_url, pic_key = excluded.pic_key,
				formed_ms = excluded.formed_ms,
				delete_before_ms = excluded.delete_before_ms,
				attach_delete_before_ms = excluded.attach_delete_before_ms,
				destroyed = excluded.destroyed, mtime_ms = excluded.mtime_ms`,
			groupID, info.Name(), info.Description(), pic.URL, pic.Key,
			int64(info.FormedMs()), int64(info.DeleteBefore()), int64(info.AttachDeleteBefore()),
			info.Destroyed(), int64(mtime)); err != nil {
			return nil, err
		}
	}

	var expired []string
	collect := func(query string, cutoff uint64) error {
		if cutoff == 0 {
			return nil
		}
		rows, err := m.db.Tx.Query(query, groupID, int64(cutoff))
		if err != nil {
			return err
		}
		defer func() {
			_ = rows.Close()
		}()
		for rows.Next() {
			var hash string
			if err := rows.Scan(&hash); err != nil {
				return err
			}
			if hash != "" {
				expired = append(expired, hash)
			}
		}
		return rows.Err()
	}
	if err := collect("SELECT server_hash FROM messages WHERE convo = ? AND timestamp_ms < ?", info.DeleteBefore()); err != nil {
		return nil, err
	}
	if err := collect("SELECT server_hash FROM messages WHERE convo = ? AND timestamp_ms < ? AND has_attachment = 1", info.AttachDeleteBefore()); err != nil {
		return nil, err
	}

	if info.DeleteBefore() > 0 {
		if _, err := m.db.Tx.Exec("DELETE FROM messages WHERE convo = ? AND timestamp_ms < ?", groupID, int64(info.DeleteBefore())); err != nil {
			return nil, err
		}
	}
	if info.AttachDeleteBefore() > 0 {
		if _, err := m.db.Tx.Exec("DELETE FROM messages WHERE convo = ? AND timestamp_ms < ? AND has_attachment = 1", groupID, int64(info.AttachDeleteBefore())); err != nil {
			return nil, err
		}
	}
	if !admin {
		return nil, nil
	}
	return dedupe(expired), nil
}

// ApplyGroupMembers reconciles a group's roster rows.
func (m *Manager) ApplyGroupMembers(members *state.GroupMembers) error {
	groupID := string(members.GroupID())
	existing := make(map[string]uint64)
	rows, err := m.db.Tx.Query("SELECT member_id, mtime_ms FROM group_members WHERE group_id = ?", groupID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		var mtime int64
		if err := rows.Scan(&id, &mtime); err != nil {
			_ = rows.Close()
			return err
		}
		existing[id] = uint64(mtime)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	seen := make(map[string]bool)
	if err := members.Iterate(func(r *record.Record) error {
		seen[r.Key] = true
		if mtime, ok := existing[r.Key]; ok && mtime > r.Mtime() {
			return nil
		}
		mem := state.MemberFromRecord(r)
		_, err := m.db.Tx.Exec(`
			INSERT INTO group_members (group_id, member_id, name, is_admin, invited, promoted, removed, mtime_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (group_id, member_id) DO UPDATE SET
				name = excluded.name, is_admin = excluded.is_admin,
				invited = excluded.invited, promoted = excluded.promoted,
				removed = excluded.removed, mtime_ms = excluded.mtime_ms`,
			groupID, string(mem.ID), mem.Name, mem.Admin,
			int64(mem.Invited), int64(mem.Promoted), int64(mem.Removed), int64(r.Mtime()))
		return err
	}); err != nil {
		return err
	}
	for id := range existing {
		if !seen[id] {
			if _, err := m.db.Tx.Exec("DELETE FROM group_members WHERE group_id = ? AND member_id = ?", groupID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// InsertMessage records a conversation message row.
func (m *Manager) InsertMessage(id, convo string, body []byte, timestampMs uint64, hasAttachment bool, serverHash string) error {
	_, err := m.db.Tx.Exec(
		"INSERT INTO messages (id, convo, body, timestamp_ms, has_attachment, server_hash) VALUES (?, ?, ?, ?, ?, ?)",
		id, convo, body, int64(timestampMs), hasAttachment, serverHash)
	return err
}

// MessageCount reports how many messages a conversation holds.
func (m *Manager) MessageCount(convo string) (int, error) {
	var count int
	row := m.db.Tx.QueryRow("SELECT count(*) FROM messages WHERE convo = ?", convo)
	return count, row.Scan(&count)
}

// HasMessage reports whether a message row still exists.
func (m *Manager) HasMessage(id string) (bool, error) {
	var count int
	row := m.db.Tx.QueryRow("SELECT count(*) FROM messages WHERE id = ?", id)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertContactRow writes a local edit straight to the contacts table,
// bypassing config state. Used for edits too stale for the buffering window;
// the row carries the edit's own timestamp so a later config apply can still
// supersede it.
func (m *Manager) UpsertContactRow(ct *state.Contact, mtimeMs uint64) error {
	_, err := m.db.Tx.Exec(`
		INSERT INTO contacts (id, name, nickname, pic_url, pic_key, approved, approved_me, blocked, priority, created_ms, mtime_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, nickname = excluded.nickname,
			pic_url = excluded.pic_url, pic_key = excluded.pic_key,
			approved = excluded.approved, approved_me = excluded.approved_me,
			blocked = excluded.blocked, priority = excluded.priority,
			created_ms = excluded.created_ms, mtime_ms = excluded.mtime_ms`,
		string(ct.ID), ct.Name, ct.Nickname, ct.Pic.URL, ct.Pic.Key,
		ct.Approved, ct.ApprovedMe, ct.Blocked, ct.Priority, int64(ct.CreatedMs), int64(mtimeMs))
	return err
}

// ContactName reads the reconciled name column, for verifying row state.
func (m *Manager) ContactName(id string) (string, error) {
	var name string
	row := m.db.Tx.QueryRow("SELECT name FROM contacts WHERE id = ?", id)
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return name, nil
}

// FreshEnough implements the local-edit buffering window: an edit is pushed
// into config only when its logical timestamp is not older than the last
// applied remote config timestamp minus the grace window. Older edits stay
// local so a slow edit cannot win against a marginally newer remote update.
func (m *Manager) FreshEnough(lastAppliedMs, editMs uint64) bool {
	buffer := uint64(m.config.ConfigBufferMs)
	if lastAppliedMs <= buffer {
		return true
	}
	return editMs >= lastAppliedMs-buffer
}

func (m *Manager) rowMtimes(query string) (map[string]uint64, error) {
	out := make(map[string]uint64)
	rows, err := m.db.Tx.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var key string
		var mtime int64
		if err := rows.Scan(&key, &mtime); err != nil {
			return nil, err
		}
		out[key] = uint64(mtime)
	}
	return out, rows.Err()
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
