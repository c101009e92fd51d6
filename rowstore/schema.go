package rowstore

// schemaVersion is stored in PRAGMA user_version
const schemaVersion = 1

// Every cached item is a row in nodes; the per-kind tables hang off it with
// ON DELETE CASCADE, so removing a node row removes its payload and its
// links in one statement. responses.parent_id/holder_id are plain columns:
// the response delete observer finds responses whose parent or holder is gone.
// pages.results keeps the result order; the page's links decide membership.
// blobs has no foreign key: the blob delete observer reads the rows of
// deleted nodes and removes their payloads after commit.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	kind INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS classes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	schema_name TEXT NOT NULL,
	class_name  TEXT NOT NULL,
	UNIQUE (schema_name, class_name)
);

CREATE TABLE IF NOT EXISTS instances (
	node_id         INTEGER PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
	type_id         INTEGER NOT NULL REFERENCES classes(id),
	remote_id       TEXT    NOT NULL DEFAULT '',
	is_relationship INTEGER NOT NULL DEFAULT 0,
	source_id       INTEGER,
	target_id       INTEGER,
	cache_state     INTEGER NOT NULL DEFAULT 0,
	change_status   INTEGER NOT NULL DEFAULT 0,
	sync_status     INTEGER NOT NULL DEFAULT 0,
	change_number   INTEGER NOT NULL DEFAULT 0,
	cache_tag       TEXT    NOT NULL DEFAULT '',
	cache_date      INTEGER,
	properties      TEXT    NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS instances_remote ON instances(type_id, remote_id) WHERE remote_id <> '';
CREATE INDEX IF NOT EXISTS instances_source ON instances(source_id) WHERE source_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS instances_target ON instances(target_id) WHERE target_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS instances_changes ON instances(change_status, change_number) WHERE change_status <> 0;

CREATE TABLE IF NOT EXISTS backups (
	node_id    INTEGER PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
	properties TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	source_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	target_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	kind      INTEGER NOT NULL,
	PRIMARY KEY (source_id, target_id, kind)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS links_target ON links(target_id, kind, source_id);

CREATE TABLE IF NOT EXISTS roots (
	node_id     INTEGER PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
	name        TEXT    NOT NULL UNIQUE,
	persistence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS responses (
	node_id      INTEGER PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
	parent_id    INTEGER NOT NULL,
	holder_id    INTEGER NOT NULL,
	name         TEXT    NOT NULL,
	is_completed INTEGER NOT NULL DEFAULT 0,
	access_date  INTEGER,
	UNIQUE (parent_id, holder_id, name)
);
CREATE INDEX IF NOT EXISTS responses_name_access ON responses(name, access_date);
CREATE INDEX IF NOT EXISTS responses_holder ON responses(holder_id);

CREATE TABLE IF NOT EXISTS pages (
	node_id     INTEGER PRIMARY KEY REFERENCES nodes(id) ON DELETE CASCADE,
	response_id INTEGER NOT NULL,
	page_index  INTEGER NOT NULL,
	cache_tag   TEXT    NOT NULL DEFAULT '',
	cache_date  INTEGER,
	results     TEXT    NOT NULL DEFAULT '[]',
	UNIQUE (response_id, page_index)
);

CREATE TABLE IF NOT EXISTS blobs (
	node_id   INTEGER PRIMARY KEY,
	size      INTEGER NOT NULL,
	stored_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sequences (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`
