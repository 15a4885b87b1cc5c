// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import (
	"context"
	"database/sql"
	"encoding/json"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, letting every namespace
// store below run unmodified whether it is the top-level pool or a
// transaction-scoped view (§9: "implementations are compile-time variants").
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// postgresStorage is the Postgres-backed Storage implementation. Grounded on
// the teacher's db.go transaction helpers (ExecuteInTx) and its convention of
// one thin struct per registry backed directly by SQL rather than an ORM.
type postgresStorage struct {
	db *sql.DB
	q  queryer // equal to db outside a transaction, or the *sql.Tx inside one

	cursors  CursorStore
	intents  IntentQueue
	groups   GroupStore
	messages MessageStore
	consent  ConsentStore
	readd    ReaddTracker
	identity IdentityStore
}

// NewPostgresStorage constructs the Postgres Storage backend over an
// already-migrated database (see migrations/).
func NewPostgresStorage(db *sql.DB) Storage {
	return newPostgresStorage(db, db)
}

func newPostgresStorage(db *sql.DB, q queryer) *postgresStorage {
	return &postgresStorage{
		db:       db,
		q:        q,
		cursors:  &pgCursorStore{q: q},
		intents:  &pgIntentQueue{q: q},
		groups:   &pgGroupStore{q: q},
		messages: &pgMessageStore{q: q},
		consent:  &pgConsentStore{q: q},
		readd:    &pgReaddTracker{q: q},
		identity: &pgIdentityStore{q: q},
	}
}

func (s *postgresStorage) Cursors() CursorStore    { return s.cursors }
func (s *postgresStorage) Intents() IntentQueue    { return s.intents }
func (s *postgresStorage) Groups() GroupStore      { return s.groups }
func (s *postgresStorage) Messages() MessageStore  { return s.messages }
func (s *postgresStorage) Consent() ConsentStore   { return s.consent }
func (s *postgresStorage) Readd() ReaddTracker     { return s.readd }
func (s *postgresStorage) Identity() IdentityStore { return s.identity }

// WithTx opens one real Postgres transaction for the duration of fn and
// passes a transaction-scoped Storage view into it, retrying the whole
// attempt on a serialization conflict per ExecuteInTx's contract.
func (s *postgresStorage) WithTx(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error {
	return ExecuteInTx(ctx, s.db, func(sqlTx *sql.Tx) error {
		txStorage := newPostgresStorage(s.db, sqlTx)
		return fn(ctx, txStorage)
	})
}

// --- groups ---

type pgGroupStore struct{ q queryer }

func (g *pgGroupStore) InsertGroup(ctx context.Context, c *Conversation, members []InstallationKey) error {
	metadataJSON, err := json.Marshal(c.MutableMetadata)
	if err != nil {
		return NewValidationError("could not encode group metadata", err)
	}
	var dmID *string
	if c.DMID != nil {
		s := string(*c.DMID)
		dmID = &s
	}
	_, err = g.q.ExecContext(ctx, `
		INSERT INTO groups (group_id, created_at_ns, conversation_type, added_by_inbox_id, dm_id,
			last_message_ns, message_disappear_from_ns, message_disappear_in_ns, paused_for_version,
			creator_inbox_id, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.GroupID[:], c.CreatedAtNs, int(c.ConversationType), c.AddedByInboxID, dmID,
		c.LastMessageNs, c.MessageDisappearFromNs, c.MessageDisappearInNs, c.PausedForVersion,
		c.CreatorInboxID, metadataJSON)
	if err != nil {
		return classifyPgError("insert group", err)
	}
	for _, m := range members {
		if _, err := g.q.ExecContext(ctx, `INSERT INTO group_members (group_id, installation_id) VALUES ($1, $2)`, c.GroupID[:], []byte(m)); err != nil {
			return classifyPgError("insert group member", err)
		}
	}
	return nil
}

func scanConversation(row Scannable) (*Conversation, error) {
	var c Conversation
	var groupID, metadataJSON []byte
	var dmID sql.NullString
	var convType int
	if err := row.Scan(&groupID, &c.CreatedAtNs, &convType, &c.AddedByInboxID, &dmID,
		&c.LastMessageNs, &c.MessageDisappearFromNs, &c.MessageDisappearInNs, &c.PausedForVersion,
		&c.CreatorInboxID, &metadataJSON); err != nil {
		return nil, err
	}
	copy(c.GroupID[:], groupID)
	c.ConversationType = ConversationType(convType)
	if dmID.Valid {
		id := DMID(dmID.String)
		c.DMID = &id
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.MutableMetadata); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// Scannable lets scanConversation accept either *sql.Row or *sql.Rows.
type Scannable interface {
	Scan(dest ...interface{}) error
}

const groupColumns = `group_id, created_at_ns, conversation_type, added_by_inbox_id, dm_id,
	last_message_ns, message_disappear_from_ns, message_disappear_in_ns, paused_for_version,
	creator_inbox_id, metadata_json`

func (g *pgGroupStore) GetGroup(ctx context.Context, groupID GroupID) (*Conversation, error) {
	row := g.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE group_id = $1`, groupID[:])
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError("get group", err)
	}
	return c, nil
}

func (g *pgGroupStore) UpdateGroup(ctx context.Context, c *Conversation) error {
	metadataJSON, err := json.Marshal(c.MutableMetadata)
	if err != nil {
		return NewValidationError("could not encode group metadata", err)
	}
	res, err := g.q.ExecContext(ctx, `
		UPDATE groups SET last_message_ns = $2, message_disappear_from_ns = $3,
			message_disappear_in_ns = $4, paused_for_version = $5, metadata_json = $6
		WHERE group_id = $1`,
		c.GroupID[:], c.LastMessageNs, c.MessageDisappearFromNs, c.MessageDisappearInNs,
		c.PausedForVersion, metadataJSON)
	if err != nil {
		return classifyPgError("update group", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyPgError("update group", err)
	}
	if n == 0 {
		return NewValidationError("unknown group", nil)
	}
	return nil
}

func (g *pgGroupStore) ListGroupsByDMID(ctx context.Context, dmID DMID) ([]*Conversation, error) {
	rows, err := g.q.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE dm_id = $1`, string(dmID))
	if err != nil {
		return nil, classifyPgError("list groups by dm id", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classifyPgError("list groups by dm id", err)
		}
		out = append(out, c)
	}
	return out, classifyPgError("list groups by dm id", rows.Err())
}

func (g *pgGroupStore) ListGroups(ctx context.Context, typeFilter *ConversationType) ([]*Conversation, error) {
	var rows *sql.Rows
	var err error
	if typeFilter != nil {
		rows, err = g.q.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE conversation_type = $1`, int(*typeFilter))
	} else {
		rows, err = g.q.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups`)
	}
	if err != nil {
		return nil, classifyPgError("list groups", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classifyPgError("list groups", err)
		}
		out = append(out, c)
	}
	return out, classifyPgError("list groups", rows.Err())
}

func (g *pgGroupStore) ListMembers(ctx context.Context, groupID GroupID) ([]InstallationKey, error) {
	rows, err := g.q.QueryContext(ctx, `SELECT installation_id FROM group_members WHERE group_id = $1`, groupID[:])
	if err != nil {
		return nil, classifyPgError("list members", err)
	}
	defer rows.Close()
	var out []InstallationKey
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPgError("list members", err)
		}
		out = append(out, InstallationKey(id))
	}
	return out, classifyPgError("list members", rows.Err())
}

func (g *pgGroupStore) SetMembers(ctx context.Context, groupID GroupID, members []InstallationKey) error {
	if _, err := g.q.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID[:]); err != nil {
		return classifyPgError("set members", err)
	}
	for _, m := range members {
		if _, err := g.q.ExecContext(ctx, `INSERT INTO group_members (group_id, installation_id) VALUES ($1, $2)`, groupID[:], []byte(m)); err != nil {
			return classifyPgError("set members", err)
		}
	}
	return nil
}

// --- messages ---

type pgMessageStore struct{ q queryer }

func (m *pgMessageStore) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO messages (id, group_id, decrypted_message_bytes, sent_at_ns, kind,
			sender_installation_id, sender_inbox_id, delivery_status, content_type, reference_id,
			sequence_id, originator_id, expire_at_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ID, msg.GroupID[:], msg.DecryptedMessageBytes, msg.SentAtNs, int(msg.Kind),
		[]byte(msg.SenderInstallationID), msg.SenderInboxID, int(msg.DeliveryStatus), msg.ContentType,
		msg.ReferenceID, msg.SequenceID, msg.OriginatorID, msg.ExpireAtNs)
	return classifyPgError("insert message", err)
}

func (m *pgMessageStore) NewestMessageMetadata(ctx context.Context, groupID GroupID) (int64, uint64, bool, error) {
	var sentAtNs int64
	var seq sql.NullInt64
	err := m.q.QueryRowContext(ctx, `
		SELECT sent_at_ns, sequence_id FROM messages WHERE group_id = $1
		ORDER BY sent_at_ns DESC LIMIT 1`, groupID[:]).Scan(&sentAtNs, &seq)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, classifyPgError("newest message metadata", err)
	}
	var seqID uint64
	if seq.Valid {
		seqID = uint64(seq.Int64)
	}
	return sentAtNs, seqID, true, nil
}

func (m *pgMessageStore) ListMessages(ctx context.Context, groupID GroupID, limit int) ([]*Message, error) {
	query := `SELECT id, group_id, decrypted_message_bytes, sent_at_ns, kind, sender_installation_id,
		sender_inbox_id, delivery_status, content_type, reference_id, sequence_id, originator_id, expire_at_ns
		FROM messages WHERE group_id = $1 ORDER BY sent_at_ns ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = m.q.QueryContext(ctx, query+` LIMIT $2`, groupID[:], limit)
	} else {
		rows, err = m.q.QueryContext(ctx, query, groupID[:])
	}
	if err != nil {
		return nil, classifyPgError("list messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var groupIDBytes, senderInst []byte
		var kind, deliveryStatus int
		var seq sql.NullInt64
		if err := rows.Scan(&msg.ID, &groupIDBytes, &msg.DecryptedMessageBytes, &msg.SentAtNs, &kind,
			&senderInst, &msg.SenderInboxID, &deliveryStatus, &msg.ContentType, &msg.ReferenceID,
			&seq, &msg.OriginatorID, &msg.ExpireAtNs); err != nil {
			return nil, classifyPgError("list messages", err)
		}
		copy(msg.GroupID[:], groupIDBytes)
		msg.SenderInstallationID = InstallationKey(senderInst)
		msg.Kind = MessageKind(kind)
		msg.DeliveryStatus = DeliveryStatus(deliveryStatus)
		if seq.Valid {
			v := uint64(seq.Int64)
			msg.SequenceID = &v
		}
		out = append(out, msg)
	}
	return out, classifyPgError("list messages", rows.Err())
}

func (m *pgMessageStore) AppendLocalCommit(ctx context.Context, groupID GroupID, wireBytes []byte, epoch uint64) error {
	_, err := m.q.ExecContext(ctx, `INSERT INTO commit_log (group_id, local, wire_bytes, epoch) VALUES ($1, true, $2, $3)`, groupID[:], wireBytes, epoch)
	return classifyPgError("append local commit", err)
}

func (m *pgMessageStore) AppendRemoteCommit(ctx context.Context, groupID GroupID, wireBytes []byte, epoch uint64) error {
	_, err := m.q.ExecContext(ctx, `INSERT INTO commit_log (group_id, local, wire_bytes, epoch) VALUES ($1, false, $2, $3)`, groupID[:], wireBytes, epoch)
	return classifyPgError("append remote commit", err)
}

func (m *pgMessageStore) ListCommitLog(ctx context.Context, groupID GroupID, local bool) ([][]byte, error) {
	rows, err := m.q.QueryContext(ctx, `SELECT wire_bytes FROM commit_log WHERE group_id = $1 AND local = $2 ORDER BY id ASC`, groupID[:], local)
	if err != nil {
		return nil, classifyPgError("list commit log", err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var wireBytes []byte
		if err := rows.Scan(&wireBytes); err != nil {
			return nil, classifyPgError("list commit log", err)
		}
		out = append(out, wireBytes)
	}
	return out, classifyPgError("list commit log", rows.Err())
}

// --- consent ---

type pgConsentStore struct{ q queryer }

func (c *pgConsentStore) SetConsent(ctx context.Context, rec ConsentRecord) error {
	if rec.GroupID == nil {
		return nil
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO consent (group_id, state) VALUES ($1, $2)
		ON CONFLICT (group_id) DO UPDATE SET state = excluded.state`, rec.GroupID[:], int(rec.State))
	return classifyPgError("set consent", err)
}

func (c *pgConsentStore) GetConsent(ctx context.Context, groupID GroupID) (ConsentState, error) {
	var state int
	err := c.q.QueryRowContext(ctx, `SELECT state FROM consent WHERE group_id = $1`, groupID[:]).Scan(&state)
	if err == sql.ErrNoRows {
		return ConsentUnknown, nil
	}
	if err != nil {
		return ConsentUnknown, classifyPgError("get consent", err)
	}
	return ConsentState(state), nil
}

// --- readd status ---

type pgReaddTracker struct{ q queryer }

func (r *pgReaddTracker) RequestReadd(ctx context.Context, groupID GroupID, installationID InstallationKey, atSeqID uint64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO readd_status (group_id, installation_id, requested_at_seq_id, responded_at_seq_id)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (group_id, installation_id) DO UPDATE SET requested_at_seq_id = excluded.requested_at_seq_id`,
		groupID[:], []byte(installationID), atSeqID)
	return classifyPgError("request readd", err)
}

func (r *pgReaddTracker) RecordReaddResponse(ctx context.Context, groupID GroupID, installationID InstallationKey, atSeqID uint64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO readd_status (group_id, installation_id, requested_at_seq_id, responded_at_seq_id)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (group_id, installation_id) DO UPDATE SET responded_at_seq_id = excluded.responded_at_seq_id`,
		groupID[:], []byte(installationID), atSeqID)
	return classifyPgError("record readd response", err)
}

func (r *pgReaddTracker) IsAwaitingReadd(ctx context.Context, groupID GroupID, installationID InstallationKey) (bool, error) {
	var requested, responded uint64
	err := r.q.QueryRowContext(ctx, `
		SELECT requested_at_seq_id, responded_at_seq_id FROM readd_status WHERE group_id = $1 AND installation_id = $2`,
		groupID[:], []byte(installationID)).Scan(&requested, &responded)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classifyPgError("is awaiting readd", err)
	}
	return requested >= responded, nil
}

func (r *pgReaddTracker) ClearForInstallation(ctx context.Context, groupID GroupID, installationID InstallationKey) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM readd_status WHERE group_id = $1 AND installation_id = $2`, groupID[:], []byte(installationID))
	return classifyPgError("clear readd", err)
}

// --- identity ---

type pgIdentityStore struct{ q queryer }

func (s *pgIdentityStore) GetInstallation(ctx context.Context, id InstallationKey) (*Installation, error) {
	inst := &Installation{ID: id}
	var rotation sql.NullInt64
	err := s.q.QueryRowContext(ctx, `SELECT inbox_id, next_key_package_rotation_ns FROM installations WHERE id = $1`, []byte(id)).
		Scan(&inst.InboxID, &rotation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError("get installation", err)
	}
	if rotation.Valid {
		inst.NextKeyPackageRotationNs = &rotation.Int64
	}
	return inst, nil
}

func (s *pgIdentityStore) UpsertInstallation(ctx context.Context, inst *Installation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO installations (id, inbox_id, next_key_package_rotation_ns) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET inbox_id = excluded.inbox_id, next_key_package_rotation_ns = excluded.next_key_package_rotation_ns`,
		[]byte(inst.ID), inst.InboxID, inst.NextKeyPackageRotationNs)
	return classifyPgError("upsert installation", err)
}

func (s *pgIdentityStore) SetNextRotation(ctx context.Context, id InstallationKey, atNs int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO installations (id, inbox_id, next_key_package_rotation_ns) VALUES ($1, '', $2)
		ON CONFLICT (id) DO UPDATE SET next_key_package_rotation_ns = excluded.next_key_package_rotation_ns`,
		[]byte(id), atNs)
	return classifyPgError("set next rotation", err)
}

func (s *pgIdentityStore) InsertKeyPackage(ctx context.Context, kp *KeyPackage) error {
	if kp.Current {
		if _, err := s.q.ExecContext(ctx, `UPDATE key_packages SET current = false WHERE installation_id = $1 AND current = true`, []byte(kp.InstallationID)); err != nil {
			return classifyPgError("insert key package", err)
		}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO key_packages (key_package_id, installation_id, bytes, created_at_ns, current, delete_at_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		kp.KeyPackageID, []byte(kp.InstallationID), kp.Bytes, kp.CreatedAtNs, kp.Current, kp.DeleteAtNs)
	return classifyPgError("insert key package", err)
}

func (s *pgIdentityStore) CurrentKeyPackage(ctx context.Context, installationID InstallationKey) (*KeyPackage, error) {
	kp := &KeyPackage{InstallationID: installationID, Current: true}
	var deleteAt sql.NullInt64
	err := s.q.QueryRowContext(ctx, `
		SELECT key_package_id, bytes, created_at_ns, delete_at_ns FROM key_packages
		WHERE installation_id = $1 AND current = true`, []byte(installationID)).
		Scan(&kp.KeyPackageID, &kp.Bytes, &kp.CreatedAtNs, &deleteAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError("current key package", err)
	}
	if deleteAt.Valid {
		kp.DeleteAtNs = &deleteAt.Int64
	}
	return kp, nil
}

func (s *pgIdentityStore) MarkKeyPackageDeleteAt(ctx context.Context, keyPackageID []byte, deleteAtNs int64) error {
	res, err := s.q.ExecContext(ctx, `UPDATE key_packages SET delete_at_ns = $2, current = false WHERE key_package_id = $1`, keyPackageID, deleteAtNs)
	if err != nil {
		return classifyPgError("mark key package delete at", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyPgError("mark key package delete at", err)
	}
	if n == 0 {
		return NewValidationError("unknown key package", nil)
	}
	return nil
}

func (s *pgIdentityStore) SweepExpiredKeyPackages(ctx context.Context, nowNs int64) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM key_packages WHERE delete_at_ns IS NOT NULL AND delete_at_ns <= $1`, nowNs)
	if err != nil {
		return 0, classifyPgError("sweep expired key packages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifyPgError("sweep expired key packages", err)
	}
	return int(n), nil
}

func (s *pgIdentityStore) HPKEPrivateKeyFor(ctx context.Context, publicKey []byte) ([]byte, bool, error) {
	var priv []byte
	err := s.q.QueryRowContext(ctx, `SELECT private_key FROM hpke_keys WHERE public_key = $1`, publicKey).Scan(&priv)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyPgError("hpke private key for", err)
	}
	return priv, true, nil
}

func (s *pgIdentityStore) RegisterHPKEKeyPair(ctx context.Context, publicKey, privateKey []byte) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO hpke_keys (public_key, private_key) VALUES ($1, $2)
		ON CONFLICT (public_key) DO UPDATE SET private_key = excluded.private_key`, publicKey, privateKey)
	return classifyPgError("register hpke key pair", err)
}

// --- cursors ---

type pgCursorStore struct{ q queryer }

func (c *pgCursorStore) GetLastCursor(ctx context.Context, entity GroupID, kind EntityKind, originators []uint32) ([]uint64, error) {
	out := make([]uint64, len(originators))
	for i, originator := range originators {
		var seq uint64
		err := c.q.QueryRowContext(ctx, `
			SELECT sequence_id FROM cursors WHERE entity = $1 AND kind = $2 AND originator_id = $3`,
			entity[:], int(kind), int(originator)).Scan(&seq)
		if err != nil && err != sql.ErrNoRows {
			return nil, classifyPgError("get last cursor", err)
		}
		out[i] = seq
	}
	return out, nil
}

func (c *pgCursorStore) UpdateCursor(ctx context.Context, entity GroupID, kind EntityKind, cursor Cursor) (bool, error) {
	advanced := false
	for originator, seq := range cursor {
		res, err := c.q.ExecContext(ctx, `
			INSERT INTO cursors (entity, kind, originator_id, sequence_id) VALUES ($1, $2, $3, $4)
			ON CONFLICT (entity, kind, originator_id) DO UPDATE SET sequence_id = excluded.sequence_id
			WHERE cursors.sequence_id < excluded.sequence_id`,
			entity[:], int(kind), int(originator), seq)
		if err != nil {
			return advanced, classifyPgError("update cursor", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			advanced = true
		}
	}
	return advanced, nil
}

func (c *pgCursorStore) LatestCursorForID(ctx context.Context, entity GroupID, kinds []EntityKind) (Cursor, error) {
	out := make(Cursor)
	for _, kind := range kinds {
		rows, err := c.q.QueryContext(ctx, `SELECT originator_id, sequence_id FROM cursors WHERE entity = $1 AND kind = $2`, entity[:], int(kind))
		if err != nil {
			return nil, classifyPgError("latest cursor for id", err)
		}
		for rows.Next() {
			var originator uint32
			var seq uint64
			if err := rows.Scan(&originator, &seq); err != nil {
				rows.Close()
				return nil, classifyPgError("latest cursor for id", err)
			}
			if cur, ok := out[originator]; !ok || seq > cur {
				out[originator] = seq
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, classifyPgError("latest cursor for id", err)
		}
		rows.Close()
	}
	return out, nil
}

func (c *pgCursorStore) LowestCommonCursor(ctx context.Context, topics []GroupID, kind EntityKind) (Cursor, error) {
	out := make(Cursor)
	seen := make(map[uint32]int)
	for _, topic := range topics {
		rows, err := c.q.QueryContext(ctx, `SELECT originator_id, sequence_id FROM cursors WHERE entity = $1 AND kind = $2`, topic[:], int(kind))
		if err != nil {
			return nil, classifyPgError("lowest common cursor", err)
		}
		for rows.Next() {
			var originator uint32
			var seq uint64
			if err := rows.Scan(&originator, &seq); err != nil {
				rows.Close()
				return nil, classifyPgError("lowest common cursor", err)
			}
			if cur, ok := out[originator]; !ok || seq < cur {
				out[originator] = seq
			}
			seen[originator]++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, classifyPgError("lowest common cursor", err)
		}
		rows.Close()
	}
	// An originator absent from one topic has an implicit cursor of 0 there.
	for originator, count := range seen {
		if count != len(topics) {
			out[originator] = 0
		}
	}
	return out, nil
}

// --- intent queue ---

type pgIntentQueue struct{ q queryer }

func (q *pgIntentQueue) Enqueue(ctx context.Context, groupID GroupID, kind IntentKind, payload []byte) (int64, error) {
	var id int64
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO intents (group_id, kind, payload, state) VALUES ($1, $2, $3, $4)
		RETURNING id`, groupID[:], int(kind), payload, int(IntentToPublish)).Scan(&id)
	if err != nil {
		return 0, classifyPgError("enqueue intent", err)
	}
	return id, nil
}

const intentColumns = `id, group_id, kind, payload, state, publish_attempts, payload_hash, post_commit_data, published_in_epoch, created_order`

func scanIntent(row Scannable) (*Intent, error) {
	in := &Intent{}
	var groupID []byte
	var kind, state int
	if err := row.Scan(&in.ID, &groupID, &kind, &in.Payload, &state, &in.PublishAttempts,
		&in.PayloadHash, &in.PostCommitData, &in.PublishedInEpoch, &in.CreatedOrder); err != nil {
		return nil, err
	}
	copy(in.GroupID[:], groupID)
	in.Kind = IntentKind(kind)
	in.State = IntentState(state)
	return in, nil
}

func (q *pgIntentQueue) FindByState(ctx context.Context, groupID GroupID, state IntentState) ([]*Intent, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM intents WHERE group_id = $1 AND state = $2 ORDER BY created_order ASC`,
		groupID[:], int(state))
	if err != nil {
		return nil, classifyPgError("find intents by state", err)
	}
	defer rows.Close()
	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, classifyPgError("find intents by state", err)
		}
		out = append(out, in)
	}
	return out, classifyPgError("find intents by state", rows.Err())
}

func (q *pgIntentQueue) FindByPayloadHash(ctx context.Context, hash []byte) (*Intent, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE payload_hash = $1`, hash)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError("find intent by payload hash", err)
	}
	return in, nil
}

func (q *pgIntentQueue) MarkPublished(ctx context.Context, intentID int64, payloadHash, postCommitData []byte, publishedInEpoch uint64) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE intents SET state = $2, payload_hash = $3, post_commit_data = $4, published_in_epoch = $5
		WHERE id = $1`, intentID, int(IntentPublished), payloadHash, postCommitData, publishedInEpoch)
	return classifyPgError("mark published", err)
}

func (q *pgIntentQueue) MarkCommitted(ctx context.Context, intentID int64) error {
	_, err := q.q.ExecContext(ctx, `UPDATE intents SET state = $2 WHERE id = $1`, intentID, int(IntentCommitted))
	return classifyPgError("mark committed", err)
}

func (q *pgIntentQueue) MarkToPublish(ctx context.Context, intentID int64) error {
	_, err := q.q.ExecContext(ctx, `UPDATE intents SET state = $2 WHERE id = $1`, intentID, int(IntentToPublish))
	return classifyPgError("mark to publish", err)
}

func (q *pgIntentQueue) MarkError(ctx context.Context, intentID int64) error {
	_, err := q.q.ExecContext(ctx, `UPDATE intents SET state = $2 WHERE id = $1`, intentID, int(IntentError))
	return classifyPgError("mark error", err)
}

func (q *pgIntentQueue) IncrementPublishAttempts(ctx context.Context, intentID int64) (int, error) {
	var attempts int
	err := q.q.QueryRowContext(ctx, `
		UPDATE intents SET publish_attempts = publish_attempts + 1 WHERE id = $1
		RETURNING publish_attempts`, intentID).Scan(&attempts)
	if err != nil {
		return 0, classifyPgError("increment publish attempts", err)
	}
	return attempts, nil
}
