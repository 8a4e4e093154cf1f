package database

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Key/value configuration
			CREATE TABLE config (
				keyname TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT ''
			);

			-- Known contacts. Ids 1..9 are reserved (1 = self); the seed
			-- rows below push the AUTOINCREMENT sequence past the range.
			CREATE TABLE contacts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL DEFAULT '',
				addr TEXT NOT NULL COLLATE NOCASE,
				origin INTEGER NOT NULL DEFAULT 0,
				blocked INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL DEFAULT 0,
				UNIQUE (addr)
			);
			INSERT INTO contacts (id, name, addr) VALUES (1, 'self', 'self');
			INSERT INTO contacts (id, name, addr) VALUES (9, 'reserved', 'rsvd');
			DELETE FROM contacts WHERE id = 9;

			-- Chats: 1:1, group, broadcast, mailinglist
			CREATE TABLE chats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type INTEGER NOT NULL DEFAULT 100,
				name TEXT NOT NULL DEFAULT '',
				grpid TEXT NOT NULL DEFAULT '',
				blocked INTEGER NOT NULL DEFAULT 0,
				protected INTEGER NOT NULL DEFAULT 0,
				muted_until INTEGER NOT NULL DEFAULT 0,
				locations_send_begin INTEGER NOT NULL DEFAULT 0,
				locations_send_until INTEGER NOT NULL DEFAULT 0,
				locations_last_sent INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_chats_grpid ON chats (grpid);

			-- Chat membership
			CREATE TABLE chats_contacts (
				chat_id INTEGER NOT NULL,
				contact_id INTEGER NOT NULL,
				UNIQUE (chat_id, contact_id)
			);
			CREATE INDEX idx_chats_contacts_contact ON chats_contacts (contact_id);

			-- Messages
			CREATE TABLE msgs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				rfc724_mid TEXT NOT NULL DEFAULT '',
				chat_id INTEGER NOT NULL DEFAULT 0,
				from_id INTEGER NOT NULL DEFAULT 0,
				timestamp INTEGER NOT NULL DEFAULT 0,
				type INTEGER NOT NULL DEFAULT 10,
				state INTEGER NOT NULL DEFAULT 0,
				txt TEXT NOT NULL DEFAULT '',
				param TEXT NOT NULL DEFAULT '',
				hidden INTEGER NOT NULL DEFAULT 0,
				location_id INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_msgs_rfc724_mid ON msgs (rfc724_mid);
			CREATE INDEX idx_msgs_timestamp ON msgs (timestamp);
			CREATE INDEX idx_msgs_chat_id ON msgs (chat_id);
			CREATE INDEX idx_msgs_state ON msgs (state);

			-- Self key pairs
			CREATE TABLE keypairs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				addr TEXT NOT NULL COLLATE NOCASE,
				is_default INTEGER NOT NULL DEFAULT 0,
				public_key BLOB NOT NULL,
				private_key BLOB NOT NULL,
				created_at INTEGER NOT NULL DEFAULT 0
			);

			-- Autocrypt peer state
			CREATE TABLE acpeerstates (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				addr TEXT NOT NULL COLLATE NOCASE,
				last_seen INTEGER NOT NULL DEFAULT 0,
				last_seen_autocrypt INTEGER NOT NULL DEFAULT 0,
				prefer_encrypted INTEGER NOT NULL DEFAULT 0,
				public_key BLOB,
				public_key_fingerprint TEXT NOT NULL DEFAULT '',
				gossip_key BLOB,
				gossip_key_fingerprint TEXT NOT NULL DEFAULT '',
				gossip_timestamp INTEGER NOT NULL DEFAULT 0,
				verified_key BLOB,
				verified_key_fingerprint TEXT NOT NULL DEFAULT '',
				fingerprint_changed INTEGER NOT NULL DEFAULT 0,
				UNIQUE (addr)
			);
			CREATE INDEX idx_acpeerstates_fingerprint ON acpeerstates (public_key_fingerprint);
			CREATE INDEX idx_acpeerstates_gossip_fingerprint ON acpeerstates (gossip_key_fingerprint);

			-- Location streaming
			CREATE TABLE locations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				latitude REAL NOT NULL DEFAULT 0.0,
				longitude REAL NOT NULL DEFAULT 0.0,
				accuracy REAL NOT NULL DEFAULT 0.0,
				timestamp INTEGER NOT NULL DEFAULT 0,
				chat_id INTEGER NOT NULL DEFAULT 0,
				from_id INTEGER NOT NULL DEFAULT 0,
				independent INTEGER NOT NULL DEFAULT 0,
				marker TEXT
			);
			CREATE INDEX idx_locations_timestamp ON locations (timestamp);
			CREATE INDEX idx_locations_from_id ON locations (from_id);
			CREATE INDEX idx_locations_chat_id ON locations (chat_id);

			-- Secure-Join tokens, keyed by namespace
			CREATE TABLE tokens (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				namespc INTEGER NOT NULL DEFAULT 0,
				foreign_id INTEGER NOT NULL DEFAULT 0,
				token TEXT NOT NULL DEFAULT '',
				timestamp INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_tokens_namespc ON tokens (namespc, foreign_id);

			-- Deferred IMAP/SMTP work
			CREATE TABLE jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				action INTEGER NOT NULL DEFAULT 0,
				foreign_id INTEGER NOT NULL DEFAULT 0,
				param TEXT NOT NULL DEFAULT '',
				tries INTEGER NOT NULL DEFAULT 0,
				added_at INTEGER NOT NULL DEFAULT 0,
				next_run INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX idx_jobs_next_run ON jobs (next_run);

			-- Joiner-side Secure-Join state: one row for the latest scanned invite, replaced by each new scan; rows are not keyed by inviter fingerprint
			CREATE TABLE bobstate (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				invite TEXT NOT NULL DEFAULT '',
				next_step INTEGER NOT NULL DEFAULT 0,
				chat_id INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
}
