package store

import (
	"context"
	"fmt"
	"strings"
)

// Times are stored as unix microseconds in BIGINT columns so that both
// dialects compare them numerically.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS tbsm_participants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	ticker TEXT NOT NULL DEFAULT '',
	insolvent_since BIGINT
);

CREATE TABLE IF NOT EXISTS tbsm_assets (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tbsm_holdings (
	owner_id TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	quantity {{decimal}} NOT NULL,
	PRIMARY KEY (owner_id, asset_id)
);

CREATE TABLE IF NOT EXISTS tbsm_contracts (
	id TEXT PRIMARY KEY,
	principal {{decimal}} NOT NULL,
	issuer_id TEXT NOT NULL,
	counterparty_id TEXT NOT NULL DEFAULT '',
	activated_at BIGINT,
	state TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS tbsm_contracts_issuer ON tbsm_contracts (issuer_id);
CREATE INDEX IF NOT EXISTS tbsm_contracts_counterparty ON tbsm_contracts (counterparty_id);

CREATE TABLE IF NOT EXISTS tbsm_templates (
	id TEXT PRIMARY KEY,
	contract_id TEXT NOT NULL REFERENCES tbsm_contracts (id),
	position INTEGER NOT NULL,
	trigger_kind TEXT NOT NULL,
	trigger_spec TEXT NOT NULL,
	payer_role TEXT NOT NULL,
	payee_role TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	amount_kind TEXT NOT NULL,
	amount_spec TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS tbsm_templates_contract ON tbsm_templates (contract_id, position);

CREATE TABLE IF NOT EXISTS tbsm_obligations (
	id TEXT PRIMARY KEY,
	contract_id TEXT NOT NULL REFERENCES tbsm_contracts (id),
	template_id TEXT NOT NULL REFERENCES tbsm_templates (id),
	sequence INTEGER NOT NULL,
	due_at BIGINT NOT NULL,
	amount {{decimal}} NOT NULL,
	asset_id TEXT NOT NULL,
	payer_id TEXT NOT NULL,
	payee_id TEXT NOT NULL,
	status TEXT NOT NULL,
	resolved_at BIGINT,
	created_at BIGINT NOT NULL,
	UNIQUE (template_id, due_at)
);

CREATE INDEX IF NOT EXISTS tbsm_obligations_due ON tbsm_obligations (status, due_at, id);
CREATE INDEX IF NOT EXISTS tbsm_obligations_contract ON tbsm_obligations (contract_id);

CREATE TABLE IF NOT EXISTS tbsm_journal (
	id TEXT PRIMARY KEY,
	obligation_id TEXT NOT NULL,
	contract_id TEXT NOT NULL,
	giver_id TEXT NOT NULL,
	taker_id TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	amount_scheduled {{decimal}} NOT NULL,
	amount_given {{decimal}} NOT NULL,
	causal TEXT NOT NULL,
	at BIGINT NOT NULL,
	digest TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS tbsm_journal_obligation ON tbsm_journal (obligation_id);

CREATE TABLE IF NOT EXISTS tbsm_ratings (
	participant_id TEXT PRIMARY KEY,
	value {{decimal}} NOT NULL,
	newbie {{bool}} NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS tbsm_rating_log (
	seq {{serial}},
	participant_id TEXT NOT NULL,
	obligation_id TEXT NOT NULL,
	delta {{decimal}} NOT NULL,
	value {{decimal}} NOT NULL,
	at BIGINT NOT NULL
);
`

// Schema renders the DDL for a dialect.
func Schema(d Dialect) string {
	return strings.NewReplacer(
		"{{decimal}}", d.decimalType,
		"{{bool}}", d.boolType,
		"{{serial}}", d.serialType,
	).Replace(schemaTemplate)
}

// Migrate creates any missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema(s.dialect), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}
