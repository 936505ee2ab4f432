// Package seed loads participants, assets, holdings and contracts from a
// YAML document. Documents are validated against an embedded JSON schema
// before anything is written.
package seed

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed seed.schema.json
var schemaJSON string

const (
	schemaURL = "https://tbsm.local/schemas/seed.schema.json"
	// SupportedVersions is the range of seed document versions this build reads.
	SupportedVersions = "^1"
)

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaJSON))); err != nil {
			compileErr = fmt.Errorf("seed schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Document is a parsed seed file.
type Document struct {
	SchemaVersion string        `json:"schema_version"`
	Now           *time.Time    `json:"now,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	Assets        []Asset       `json:"assets,omitempty"`
	Holdings      []Holding     `json:"holdings,omitempty"`
	Contracts     []Contract    `json:"contracts,omitempty"`
	Bonds         []Bond        `json:"bonds,omitempty"`
}

type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ticker string `json:"ticker,omitempty"`
}

type Asset struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Unit       string `json:"unit,omitempty"`
	Name       string `json:"name,omitempty"`
	Ticker     string `json:"ticker,omitempty"`
	Fungible   bool   `json:"fungible,omitempty"`
	ContractID string `json:"contract_id,omitempty"`
}

type Holding struct {
	Owner    string          `json:"owner"`
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
}

type Contract struct {
	ID           string          `json:"id"`
	Principal    decimal.Decimal `json:"principal"`
	Issuer       string          `json:"issuer"`
	Counterparty string          `json:"counterparty,omitempty"`
	Activate     bool            `json:"activate,omitempty"`
	ActivatedAt  *time.Time      `json:"activated_at,omitempty"`
	Templates    []Template      `json:"templates"`
}

type Template struct {
	ID      string  `json:"id,omitempty"`
	Payer   string  `json:"payer"`
	Payee   string  `json:"payee"`
	Asset   string  `json:"asset"`
	Note    string  `json:"note,omitempty"`
	Trigger Trigger `json:"trigger"`
	Amount  Amount  `json:"amount"`
}

type Trigger struct {
	Kind           string     `json:"kind"`
	Days           int        `json:"days,omitempty"`
	Date           *time.Time `json:"date,omitempty"`
	IntervalDays   int        `json:"interval_days,omitempty"`
	StartAfterDays int        `json:"start_after_days,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
}

type Amount struct {
	Kind     string          `json:"kind"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	Expr     string          `json:"expr,omitempty"`
}

// Bond describes a bond built with the bonds package.
type Bond struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Issuer       string          `json:"issuer"`
	Holder       string          `json:"holder,omitempty"`
	Asset        string          `json:"asset"`
	Principal    decimal.Decimal `json:"principal"`
	MaturityDays int             `json:"maturity_days,omitempty"`
	AnnualRate   decimal.Decimal `json:"annual_rate"`
	EveryDays    int             `json:"every_days,omitempty"`
	Coupons      int             `json:"coupons,omitempty"`
	InitialRate  decimal.Decimal `json:"initial_rate"`
	Step         decimal.Decimal `json:"step"`
	Activate     bool            `json:"activate,omitempty"`
	ActivatedAt  *time.Time      `json:"activated_at,omitempty"`
}

// ParseFile reads and validates a seed file.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads a YAML (or JSON) seed document and validates it.
func Parse(r io.Reader) (*Document, error) {
	var raw any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	// normalise YAML values to their JSON form before validation
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("seed is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, err
	}

	sch, err := schema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := checkVersion(doc.SchemaVersion); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid seed schema_version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("seed schema_version %s is not supported (want %s)", v, SupportedVersions)
	}
	return nil
}
