package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/rating"
)

type sqlTx struct {
	tx *sql.Tx
	d  Dialect
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) GetParticipant(ctx context.Context, id string) (*contracts.Participant, error) {
	row := t.queryRow(ctx, `SELECT id, name, ticker, insolvent_since FROM tbsm_participants WHERE id = ?`+t.d.lockSuffix, id)
	var (
		p         contracts.Participant
		insolvent sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Ticker, &insolvent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	p.InsolventSince = timePtr(insolvent)
	return &p, nil
}

func (t *sqlTx) PutParticipant(ctx context.Context, p *contracts.Participant) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_participants (id, name, ticker, insolvent_since)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ticker = EXCLUDED.ticker,
			insolvent_since = EXCLUDED.insolvent_since`,
		p.ID, p.Name, p.Ticker, nullMicros(p.InsolventSince))
	if err != nil {
		return fmt.Errorf("failed to persist participant: %w", err)
	}
	return nil
}

func (t *sqlTx) GetAsset(ctx context.Context, id string) (*contracts.Asset, error) {
	row := t.queryRow(ctx, `SELECT id, kind, payload FROM tbsm_assets WHERE id = ?`, id)
	var (
		a       contracts.Asset
		kind    string
		payload string
	)
	if err := row.Scan(&a.ID, &kind, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	p, err := contracts.DecodeAssetPayload(contracts.AssetKind(kind), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", id, err)
	}
	a.Payload = p
	return &a, nil
}

func (t *sqlTx) CreateAsset(ctx context.Context, a *contracts.Asset) error {
	payload, err := jsonText(a.Payload)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO tbsm_assets (id, kind, payload) VALUES (?, ?, ?)`,
		a.ID, string(a.Kind()), payload)
	if isUniqueViolation(err) {
		return fmt.Errorf("asset %s: %w", a.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (t *sqlTx) GetHolding(ctx context.Context, ownerID, assetID string) (contracts.Holding, error) {
	h := contracts.Holding{OwnerID: ownerID, AssetID: assetID}
	row := t.queryRow(ctx, `SELECT quantity FROM tbsm_holdings WHERE owner_id = ? AND asset_id = ?`+t.d.lockSuffix,
		ownerID, assetID)
	if err := row.Scan(&h.Quantity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, nil
		}
		return contracts.Holding{}, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

func (t *sqlTx) PutHolding(ctx context.Context, h contracts.Holding) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_holdings (owner_id, asset_id, quantity) VALUES (?, ?, ?)
		ON CONFLICT (owner_id, asset_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		h.OwnerID, h.AssetID, h.Quantity)
	if err != nil {
		return fmt.Errorf("failed to persist holding: %w", err)
	}
	return nil
}

func (t *sqlTx) CreditHolding(ctx context.Context, ownerID, assetID string, qty decimal.Decimal) (contracts.Holding, error) {
	// make sure the row exists so the locking read below has something to
	// lock; a concurrent insert of the same key waits for this one to commit
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_holdings (owner_id, asset_id, quantity) VALUES (?, ?, ?)
		ON CONFLICT (owner_id, asset_id) DO NOTHING`,
		ownerID, assetID, decimal.Zero)
	if err != nil {
		return contracts.Holding{}, fmt.Errorf("failed to credit holding: %w", err)
	}
	// the increment is computed in Go so the stored text keeps exact decimal
	// precision on SQLite
	h, err := t.GetHolding(ctx, ownerID, assetID)
	if err != nil {
		return contracts.Holding{}, err
	}
	h.Quantity = h.Quantity.Add(qty)
	_, err = t.exec(ctx, `UPDATE tbsm_holdings SET quantity = ? WHERE owner_id = ? AND asset_id = ?`,
		h.Quantity, ownerID, assetID)
	if err != nil {
		return contracts.Holding{}, fmt.Errorf("failed to credit holding: %w", err)
	}
	return h, nil
}

func (t *sqlTx) DeleteHolding(ctx context.Context, ownerID, assetID string) error {
	if _, err := t.exec(ctx, `DELETE FROM tbsm_holdings WHERE owner_id = ? AND asset_id = ?`, ownerID, assetID); err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

func (t *sqlTx) ListHoldings(ctx context.Context, f HoldingFilter) ([]contracts.Holding, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.AssetID != "" {
		where = append(where, "asset_id = ?")
		args = append(args, f.AssetID)
	}
	q := `SELECT owner_id, asset_id, quantity FROM tbsm_holdings` + whereClause(where) + ` ORDER BY owner_id, asset_id`
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Holding, 0)
	for rows.Next() {
		var h contracts.Holding
		if err := rows.Scan(&h.OwnerID, &h.AssetID, &h.Quantity); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const contractColumns = `id, principal, issuer_id, counterparty_id, activated_at, state, created_at, updated_at`

func scanContract(sc interface{ Scan(...any) error }) (*contracts.Contract, error) {
	var (
		c                  contracts.Contract
		activated          sql.NullInt64
		state              string
		created, updatedAt int64
	)
	if err := sc.Scan(&c.ID, &c.Principal, &c.IssuerID, &c.CounterpartyID, &activated, &state, &created, &updatedAt); err != nil {
		return nil, err
	}
	c.ActivatedAt = timePtr(activated)
	c.State = contracts.ContractState(state)
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updatedAt)
	return &c, nil
}

func (t *sqlTx) GetContract(ctx context.Context, id string) (*contracts.Contract, error) {
	row := t.queryRow(ctx, `SELECT `+contractColumns+` FROM tbsm_contracts WHERE id = ?`+t.d.lockSuffix, id)
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	if c.Templates, err = t.templates(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *sqlTx) templates(ctx context.Context, contractID string) ([]contracts.RepaymentTemplate, error) {
	rows, err := t.query(ctx, `
		SELECT id, contract_id, position, trigger_kind, trigger_spec, payer_role, payee_role,
			asset_id, amount_kind, amount_spec, note
		FROM tbsm_templates WHERE contract_id = ? ORDER BY position, id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.RepaymentTemplate, 0)
	for rows.Next() {
		var (
			tpl                      contracts.RepaymentTemplate
			triggerKind, triggerSpec string
			payer, payee             string
			amountKind, amountSpec   string
		)
		if err := rows.Scan(&tpl.ID, &tpl.ContractID, &tpl.Position, &triggerKind, &triggerSpec,
			&payer, &payee, &tpl.AssetID, &amountKind, &amountSpec, &tpl.Note); err != nil {
			return nil, err
		}
		if tpl.Trigger, err = contracts.DecodeTrigger(contracts.TriggerKind(triggerKind), []byte(triggerSpec)); err != nil {
			return nil, fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		if tpl.Amount, err = contracts.DecodeAmount(contracts.AmountKind(amountKind), []byte(amountSpec)); err != nil {
			return nil, fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		tpl.Payer = contracts.Role(payer)
		tpl.Payee = contracts.Role(payee)
		result = append(result, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *sqlTx) CreateContract(ctx context.Context, c *contracts.Contract) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Principal, c.IssuerID, c.CounterpartyID, nullMicros(c.ActivatedAt),
		string(c.State), toMicros(c.CreatedAt), toMicros(c.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("contract %s: %w", c.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	for _, tpl := range c.Templates {
		triggerKind, triggerSpec, err := contracts.EncodeTrigger(tpl.Trigger)
		if err != nil {
			return fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		amountKind, amountSpec, err := contracts.EncodeAmount(tpl.Amount)
		if err != nil {
			return fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		_, err = t.exec(ctx, `
			INSERT INTO tbsm_templates (id, contract_id, position, trigger_kind, trigger_spec,
				payer_role, payee_role, asset_id, amount_kind, amount_spec, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tpl.ID, c.ID, tpl.Position, string(triggerKind), string(triggerSpec),
			string(tpl.Payer), string(tpl.Payee), tpl.AssetID, string(amountKind), string(amountSpec), tpl.Note)
		if isUniqueViolation(err) {
			return fmt.Errorf("template %s: %w", tpl.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateContract(ctx context.Context, c *contracts.Contract) error {
	res, err := t.exec(ctx, `
		UPDATE tbsm_contracts SET counterparty_id = ?, activated_at = ?, state = ?, updated_at = ?
		WHERE id = ?`,
		c.CounterpartyID, nullMicros(c.ActivatedAt), string(c.State), toMicros(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	return requireRow(res, "contract", c.ID)
}

func (t *sqlTx) ContractsByParty(ctx context.Context, participantID string, state contracts.ContractState) ([]*contracts.Contract, error) {
	q := `SELECT ` + contractColumns + ` FROM tbsm_contracts WHERE (issuer_id = ? OR counterparty_id = ?)`
	args := []any{participantID, participantID}
	if state != "" {
		q += ` AND state = ?`
		args = append(args, string(state))
	}
	return t.listContracts(ctx, q, args)
}

func (t *sqlTx) ListContracts(ctx context.Context, state contracts.ContractState) ([]*contracts.Contract, error) {
	q := `SELECT ` + contractColumns + ` FROM tbsm_contracts`
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, string(state))
	}
	return t.listContracts(ctx, q, args)
}

func (t *sqlTx) listContracts(ctx context.Context, q string, args []any) ([]*contracts.Contract, error) {
	rows, err := t.query(ctx, q+` ORDER BY id`+t.d.lockSuffix, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	result := make([]*contracts.Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		result = append(result, c)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	// templates are loaded after the cursor is closed; a tx holds one connection
	for _, c := range result {
		if c.Templates, err = t.templates(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

const obligationColumns = `id, contract_id, template_id, sequence, due_at, amount, asset_id,
	payer_id, payee_id, status, resolved_at, created_at`

func scanObligation(sc interface{ Scan(...any) error }) (*contracts.Obligation, error) {
	var (
		o            contracts.Obligation
		due, created int64
		status       string
		resolved     sql.NullInt64
	)
	if err := sc.Scan(&o.ID, &o.ContractID, &o.TemplateID, &o.Sequence, &due, &o.Amount, &o.AssetID,
		&o.PayerID, &o.PayeeID, &status, &resolved, &created); err != nil {
		return nil, err
	}
	o.DueAt = fromMicros(due)
	o.Status = contracts.ObligationStatus(status)
	o.ResolvedAt = timePtr(resolved)
	o.CreatedAt = fromMicros(created)
	return &o, nil
}

func collectObligations(rows *sql.Rows) ([]*contracts.Obligation, error) {
	defer func() { _ = rows.Close() }()
	result := make([]*contracts.Obligation, 0)
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *sqlTx) GetObligation(ctx context.Context, id string) (*contracts.Obligation, error) {
	row := t.queryRow(ctx, `SELECT `+obligationColumns+` FROM tbsm_obligations WHERE id = ?`+t.d.lockSuffix, id)
	o, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("obligation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get obligation: %w", err)
	}
	return o, nil
}

func (t *sqlTx) CreateObligation(ctx context.Context, o *contracts.Obligation) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_obligations (`+obligationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ContractID, o.TemplateID, o.Sequence, toMicros(o.DueAt), o.Amount, o.AssetID,
		o.PayerID, o.PayeeID, string(o.Status), nullMicros(o.ResolvedAt), toMicros(o.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("obligation %s: %w", o.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create obligation: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateObligation(ctx context.Context, o *contracts.Obligation) error {
	res, err := t.exec(ctx, `UPDATE tbsm_obligations SET status = ?, resolved_at = ? WHERE id = ?`,
		string(o.Status), nullMicros(o.ResolvedAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	return requireRow(res, "obligation", o.ID)
}

func (t *sqlTx) LatestObligation(ctx context.Context, templateID string) (*contracts.Obligation, error) {
	row := t.queryRow(ctx, `SELECT `+obligationColumns+` FROM tbsm_obligations
		WHERE template_id = ? ORDER BY due_at DESC LIMIT 1`, templateID)
	o, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("obligations of template %s: %w", templateID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest obligation: %w", err)
	}
	return o, nil
}

func (t *sqlTx) ListObligations(ctx context.Context, f ObligationFilter) ([]*contracts.Obligation, error) {
	var (
		where []string
		args  []any
	)
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, f.ContractID)
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.PayerID != "" {
		where = append(where, "payer_id = ?")
		args = append(args, f.PayerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DueBefore != nil {
		where = append(where, "due_at <= ?")
		args = append(args, toMicros(*f.DueBefore))
	}
	q := `SELECT ` + obligationColumns + ` FROM tbsm_obligations` + whereClause(where) + ` ORDER BY due_at, id`
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list obligations: %w", err)
	}
	return collectObligations(rows)
}

func (t *sqlTx) AppendJournal(ctx context.Context, e journal.Entry) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_journal (id, obligation_id, contract_id, giver_id, taker_id, asset_id,
			amount_scheduled, amount_given, causal, at, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ObligationID, e.ContractID, e.GiverID, e.TakerID, e.AssetID,
		e.Scheduled, e.Given, e.Causal, toMicros(e.At), e.Digest)
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	return nil
}

func (t *sqlTx) ListJournal(ctx context.Context, obligationID string) ([]journal.Entry, error) {
	q := `SELECT id, obligation_id, contract_id, giver_id, taker_id, asset_id,
		amount_scheduled, amount_given, causal, at, digest FROM tbsm_journal`
	var args []any
	if obligationID != "" {
		q += ` WHERE obligation_id = ?`
		args = append(args, obligationID)
	}
	q += ` ORDER BY at, id`
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]journal.Entry, 0)
	for rows.Next() {
		var (
			e  journal.Entry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.ObligationID, &e.ContractID, &e.GiverID, &e.TakerID, &e.AssetID,
			&e.Scheduled, &e.Given, &e.Causal, &at, &e.Digest); err != nil {
			return nil, err
		}
		e.At = fromMicros(at)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *sqlTx) GetRating(ctx context.Context, participantID string) (rating.Rating, error) {
	row := t.queryRow(ctx, `SELECT participant_id, value, newbie, updated_at FROM tbsm_ratings
		WHERE participant_id = ?`+t.d.lockSuffix, participantID)
	var (
		r       rating.Rating
		updated int64
	)
	if err := row.Scan(&r.ParticipantID, &r.Value, &r.Newbie, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rating.Rating{}, rating.ErrNotFound
		}
		return rating.Rating{}, fmt.Errorf("failed to get rating: %w", err)
	}
	r.UpdatedAt = fromMicros(updated)
	return r, nil
}

func (t *sqlTx) PutRating(ctx context.Context, r rating.Rating) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_ratings (participant_id, value, newbie, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_id) DO UPDATE SET
			value = EXCLUDED.value,
			newbie = EXCLUDED.newbie,
			updated_at = EXCLUDED.updated_at`,
		r.ParticipantID, r.Value, r.Newbie, toMicros(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist rating: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendRatingLog(ctx context.Context, e rating.LogEntry) error {
	_, err := t.exec(ctx, `
		INSERT INTO tbsm_rating_log (participant_id, obligation_id, delta, value, at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ParticipantID, e.ObligationID, e.Delta, e.Value, toMicros(e.At))
	if err != nil {
		return fmt.Errorf("failed to append rating log: %w", err)
	}
	return nil
}

func (t *sqlTx) ListRatingLog(ctx context.Context, participantID string) ([]rating.LogEntry, error) {
	q := `SELECT participant_id, obligation_id, delta, value, at FROM tbsm_rating_log`
	var args []any
	if participantID != "" {
		q += ` WHERE participant_id = ?`
		args = append(args, participantID)
	}
	q += ` ORDER BY seq`
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rating log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]rating.LogEntry, 0)
	for rows.Next() {
		var (
			e  rating.LogEntry
			at int64
		)
		if err := rows.Scan(&e.ParticipantID, &e.ObligationID, &e.Delta, &e.Value, &at); err != nil {
			return nil, err
		}
		e.At = fromMicros(at)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func jsonText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
