// Package contracts holds the domain model shared by every engine component:
// participants, assets, holdings, contracts, repayment templates and the
// obligations materialized from them.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Participant is a corporation that can hold assets and be party to contracts.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ticker string `json:"ticker,omitempty"`

	// InsolventSince is nil while the participant is solvent. Once set it is
	// never cleared.
	InsolventSince *time.Time `json:"insolvent_since,omitempty"`
}

// IsInsolvent reports whether the participant was declared insolvent.
func (p Participant) IsInsolvent() bool { return p.InsolventSince != nil }

// Holding records the quantity of an asset owned by one participant.
type Holding struct {
	OwnerID  string          `json:"owner_id"`
	AssetID  string          `json:"asset_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Role names a side of a contract. The seller is the issuer, the buyer is the
// counterparty.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

func (r Role) Valid() bool { return r == RoleSeller || r == RoleBuyer }

// ContractState is the lifecycle state of a contract.
type ContractState string

const (
	ContractDraft     ContractState = "draft"
	ContractActive    ContractState = "active"
	ContractCompleted ContractState = "completed"
	ContractDefaulted ContractState = "defaulted"
)

// Terminal reports whether no further transition is possible.
func (s ContractState) Terminal() bool {
	return s == ContractCompleted || s == ContractDefaulted
}

// RepaymentTemplate describes one repayment schedule of a contract.
type RepaymentTemplate struct {
	ID         string      `json:"id"`
	ContractID string      `json:"contract_id"`
	Position   int         `json:"position"`
	Trigger    TriggerRule `json:"-"`
	Payer      Role        `json:"payer"`
	Payee      Role        `json:"payee"`
	AssetID    string      `json:"asset_id"`
	Amount     AmountRule  `json:"-"`
	Note       string      `json:"note,omitempty"`
}

// Validate checks the template in isolation.
func (t RepaymentTemplate) Validate() error {
	if !t.Payer.Valid() || !t.Payee.Valid() {
		return fmt.Errorf("template %s: invalid roles %q -> %q", t.ID, t.Payer, t.Payee)
	}
	if t.Payer == t.Payee {
		return fmt.Errorf("template %s: payer and payee share role %q", t.ID, t.Payer)
	}
	if t.AssetID == "" {
		return fmt.Errorf("template %s: asset is required", t.ID)
	}
	if err := ValidateTrigger(t.Trigger); err != nil {
		return fmt.Errorf("template %s: %w", t.ID, err)
	}
	if err := ValidateAmount(t.Amount); err != nil {
		return fmt.Errorf("template %s: %w", t.ID, err)
	}
	return nil
}

type ruleJSON struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

type templateJSON struct {
	ID         string   `json:"id"`
	ContractID string   `json:"contract_id"`
	Position   int      `json:"position"`
	Trigger    ruleJSON `json:"trigger"`
	Payer      Role     `json:"payer"`
	Payee      Role     `json:"payee"`
	AssetID    string   `json:"asset_id"`
	Amount     ruleJSON `json:"amount"`
	Note       string   `json:"note,omitempty"`
}

func (t RepaymentTemplate) MarshalJSON() ([]byte, error) {
	tk, tspec, err := EncodeTrigger(t.Trigger)
	if err != nil {
		return nil, err
	}
	ak, aspec, err := EncodeAmount(t.Amount)
	if err != nil {
		return nil, err
	}
	return json.Marshal(templateJSON{
		ID:         t.ID,
		ContractID: t.ContractID,
		Position:   t.Position,
		Trigger:    ruleJSON{Kind: string(tk), Spec: tspec},
		Payer:      t.Payer,
		Payee:      t.Payee,
		AssetID:    t.AssetID,
		Amount:     ruleJSON{Kind: string(ak), Spec: aspec},
		Note:       t.Note,
	})
}

func (t *RepaymentTemplate) UnmarshalJSON(data []byte) error {
	var raw templateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	trigger, err := DecodeTrigger(TriggerKind(raw.Trigger.Kind), raw.Trigger.Spec)
	if err != nil {
		return err
	}
	amount, err := DecodeAmount(AmountKind(raw.Amount.Kind), raw.Amount.Spec)
	if err != nil {
		return err
	}
	*t = RepaymentTemplate{
		ID:         raw.ID,
		ContractID: raw.ContractID,
		Position:   raw.Position,
		Trigger:    trigger,
		Payer:      raw.Payer,
		Payee:      raw.Payee,
		AssetID:    raw.AssetID,
		Amount:     amount,
		Note:       raw.Note,
	}
	return nil
}

// Contract is a bilateral agreement between an issuer and a counterparty.
type Contract struct {
	ID             string              `json:"id"`
	Principal      decimal.Decimal     `json:"principal"`
	IssuerID       string              `json:"issuer_id"`
	CounterpartyID string              `json:"counterparty_id,omitempty"`
	ActivatedAt    *time.Time          `json:"activated_at,omitempty"`
	State          ContractState       `json:"state"`
	Templates      []RepaymentTemplate `json:"templates,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Party resolves a role to the participant that fills it.
func (c *Contract) Party(role Role) (string, error) {
	switch role {
	case RoleSeller:
		return c.IssuerID, nil
	case RoleBuyer:
		if c.CounterpartyID == "" {
			return "", fmt.Errorf("contract %s has no counterparty", c.ID)
		}
		return c.CounterpartyID, nil
	}
	return "", fmt.Errorf("contract %s: unknown role %q", c.ID, role)
}

// Template looks up a template by id.
func (c *Contract) Template(id string) (RepaymentTemplate, bool) {
	for _, t := range c.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return RepaymentTemplate{}, false
}

// PayerIDs lists the participants that pay under at least one template.
func (c *Contract) PayerIDs() []string {
	seen := make(map[string]bool, 2)
	var out []string
	for _, t := range c.Templates {
		id, err := c.Party(t.Payer)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Transition moves the contract to next, rejecting anything that is not a
// forward step of the lifecycle.
func (c *Contract) Transition(next ContractState, at time.Time) error {
	allowed := false
	switch c.State {
	case ContractDraft:
		allowed = next == ContractActive
	case ContractActive:
		allowed = next == ContractCompleted || next == ContractDefaulted
	}
	if !allowed {
		return &ConsistencyViolation{
			Entity: "contract",
			ID:     c.ID,
			Detail: fmt.Sprintf("illegal transition %s -> %s", c.State, next),
		}
	}
	c.State = next
	c.UpdatedAt = at
	return nil
}

// ObligationStatus is the resolution state of an obligation.
type ObligationStatus string

const (
	StatusPending   ObligationStatus = "pending"
	StatusSettled   ObligationStatus = "settled"
	StatusDefaulted ObligationStatus = "defaulted"
	StatusWaived    ObligationStatus = "waived"
)

// Terminal reports whether the status can no longer change.
func (s ObligationStatus) Terminal() bool {
	return s == StatusSettled || s == StatusDefaulted || s == StatusWaived
}

// Obligation is one dated payment materialized from a repayment template.
type Obligation struct {
	ID         string           `json:"id"`
	ContractID string           `json:"contract_id"`
	TemplateID string           `json:"template_id"`
	Sequence   int              `json:"sequence"`
	DueAt      time.Time        `json:"due_at"`
	Amount     decimal.Decimal  `json:"amount"`
	AssetID    string           `json:"asset_id"`
	PayerID    string           `json:"payer_id"`
	PayeeID    string           `json:"payee_id"`
	Status     ObligationStatus `json:"status"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Resolve moves a pending obligation to a terminal status. Leaving a terminal
// status is a ConsistencyViolation.
func (o *Obligation) Resolve(status ObligationStatus, at time.Time) error {
	if !status.Terminal() {
		return &ConsistencyViolation{
			Entity: "obligation",
			ID:     o.ID,
			Detail: fmt.Sprintf("cannot resolve to non-terminal status %q", status),
		}
	}
	if o.Status != StatusPending {
		return &ConsistencyViolation{
			Entity: "obligation",
			ID:     o.ID,
			Detail: fmt.Sprintf("illegal transition %s -> %s", o.Status, status),
		}
	}
	o.Status = status
	resolved := at
	o.ResolvedAt = &resolved
	return nil
}

// DueOrder is the canonical processing order: due date, then id.
func DueOrder(a, b *Obligation) int {
	if c := a.DueAt.Compare(b.DueAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
