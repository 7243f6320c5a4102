package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "signals: collected signals and their pipeline state",
		SQL: `
CREATE TABLE signals (
    id               TEXT PRIMARY KEY,
    source           TEXT NOT NULL,
    raw_content      TEXT NOT NULL,
    metadata         TEXT NOT NULL DEFAULT '{}',
    fingerprint      TEXT NOT NULL,
    collected_at     INTEGER NOT NULL,

    status           TEXT NOT NULL DEFAULT 'New'
                     CHECK (status IN ('New', 'Scored', 'Mapped', 'Routed', 'Exported', 'Failed')),
    score            INTEGER CHECK (score BETWEEN 0 AND 100),
    confidence       INTEGER CHECK (confidence BETWEEN 0 AND 100),
    entities         TEXT NOT NULL DEFAULT '[]',
    score_attempts   INTEGER NOT NULL DEFAULT 0,

    growth_type      TEXT,
    destination      TEXT,

    export_status    TEXT NOT NULL DEFAULT 'Unexported'
                     CHECK (export_status IN ('Unexported', 'Exported', 'Failed')),
    export_attempts  INTEGER NOT NULL DEFAULT 0,
    last_exported_at INTEGER,

    reason           TEXT,
    version          INTEGER NOT NULL DEFAULT 1,
    updated_at       INTEGER NOT NULL,

    CHECK ((score IS NULL) = (confidence IS NULL)),
    CHECK (destination IS NULL OR status IN ('Routed', 'Exported', 'Failed'))
);

CREATE INDEX idx_signals_fingerprint ON signals(fingerprint, collected_at DESC);
CREATE INDEX idx_signals_status      ON signals(status);
CREATE INDEX idx_signals_destination ON signals(destination, export_status);
CREATE INDEX idx_signals_collected   ON signals(collected_at DESC);
`,
	},
	{
		Version:     2,
		Description: "memory_objects: semantic term lexicon",
		SQL: `
CREATE TABLE memory_objects (
    id               TEXT PRIMARY KEY,
    term             TEXT NOT NULL,
    term_key         TEXT NOT NULL UNIQUE,
    definition       TEXT NOT NULL DEFAULT '',
    confidence       INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
    source           TEXT NOT NULL DEFAULT '',
    tags             TEXT NOT NULL DEFAULT '[]',
    context_examples TEXT NOT NULL DEFAULT '[]',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX idx_memory_confidence ON memory_objects(confidence DESC, term);

CREATE TABLE signal_enrichments (
    signal_id  TEXT NOT NULL,
    memory_id  TEXT NOT NULL,
    term       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (signal_id, memory_id),
    FOREIGN KEY (signal_id) REFERENCES signals(id),
    FOREIGN KEY (memory_id) REFERENCES memory_objects(id)
);
`,
	},
	{
		Version:     3,
		Description: "rules and decision_logs: decision engine audit trail",
		SQL: `
CREATE TABLE rules (
    id            INTEGER PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    target_metric TEXT NOT NULL CHECK (target_metric IN ('score', 'confidence')),
    operator      TEXT NOT NULL CHECK (operator IN ('>=', '>', '<=', '<', '==')),
    threshold     INTEGER NOT NULL,
    outcome       TEXT NOT NULL,
    active        INTEGER NOT NULL DEFAULT 1,
    last_run      INTEGER,
    created_at    INTEGER NOT NULL
);

CREATE TABLE decision_logs (
    id         INTEGER PRIMARY KEY,
    timestamp  INTEGER NOT NULL,
    signal_id  TEXT NOT NULL,
    rule_name  TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    FOREIGN KEY (signal_id) REFERENCES signals(id)
);

CREATE INDEX idx_decisions_signal ON decision_logs(signal_id);
CREATE INDEX idx_decisions_rule   ON decision_logs(rule_name);
`,
	},
	{
		Version:     4,
		Description: "history: routing, growth mapping, and export attempt records",
		SQL: `
CREATE TABLE routings (
    id            INTEGER PRIMARY KEY,
    signal_id     TEXT NOT NULL,
    destination   TEXT NOT NULL,
    routed_at     INTEGER NOT NULL,
    superseded_at INTEGER,
    FOREIGN KEY (signal_id) REFERENCES signals(id)
);

CREATE INDEX idx_routings_signal ON routings(signal_id, routed_at);

CREATE TABLE growth_mappings (
    id          INTEGER PRIMARY KEY,
    signal_id   TEXT NOT NULL,
    growth_type TEXT NOT NULL,
    previous    TEXT,
    mode        TEXT NOT NULL CHECK (mode IN ('manual', 'auto')),
    mapped_at   INTEGER NOT NULL,
    FOREIGN KEY (signal_id) REFERENCES signals(id)
);

CREATE INDEX idx_mappings_signal ON growth_mappings(signal_id, mapped_at);

CREATE TABLE export_attempts (
    id           INTEGER PRIMARY KEY,
    signal_id    TEXT NOT NULL,
    destination  TEXT NOT NULL,
    attempt      INTEGER NOT NULL,
    outcome      TEXT NOT NULL CHECK (outcome IN ('delivered', 'transient', 'rejected')),
    error        TEXT,
    attempted_at INTEGER NOT NULL,
    FOREIGN KEY (signal_id) REFERENCES signals(id)
);

CREATE INDEX idx_export_attempts_signal ON export_attempts(signal_id, attempted_at);
`,
	},
	{
		Version:     5,
		Description: "signals: ingestion time for the dedup window",
		SQL: `
ALTER TABLE signals ADD COLUMN ingested_at INTEGER NOT NULL DEFAULT 0;
UPDATE signals SET ingested_at = collected_at;

DROP INDEX idx_signals_fingerprint;
CREATE INDEX idx_signals_fingerprint ON signals(fingerprint, ingested_at DESC);
`,
	},
	{
		Version:     6,
		Description: "memory_objects: folded search columns",
		SQL: `
ALTER TABLE memory_objects ADD COLUMN term_search TEXT NOT NULL DEFAULT '';
ALTER TABLE memory_objects ADD COLUMN definition_search TEXT NOT NULL DEFAULT '';
UPDATE memory_objects SET term_search = lower(term), definition_search = lower(definition);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
