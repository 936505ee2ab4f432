package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AssetKind identifies which variant an Asset carries.
type AssetKind string

const (
	AssetKindMaterial    AssetKind = "material"
	AssetKindCurrency    AssetKind = "currency"
	AssetKindContractRef AssetKind = "contract"
)

// AssetPayload is implemented by exactly the three asset variants below.
type AssetPayload interface {
	Kind() AssetKind
	fungible() bool
	isAssetPayload()
}

// Material is a physical or abstract good. Fungibility is declared per material.
type Material struct {
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	Fungible bool   `json:"fungible"`
}

func (Material) Kind() AssetKind { return AssetKindMaterial }
func (m Material) fungible() bool { return m.Fungible }
func (Material) isAssetPayload() {}

// Currency is always fungible.
type Currency struct {
	Unit string `json:"unit"`
}

func (Currency) Kind() AssetKind { return AssetKindCurrency }
func (Currency) fungible() bool { return true }
func (Currency) isAssetPayload() {}

// ContractRef makes a position in a contract tradeable. Never fungible.
type ContractRef struct {
	ContractID string `json:"contract_id"`
}

func (ContractRef) Kind() AssetKind { return AssetKindContractRef }
func (ContractRef) fungible() bool { return false }
func (ContractRef) isAssetPayload() {}

// Asset is immutable once created; only ownership of it changes.
type Asset struct {
	ID      string       `json:"id"`
	Payload AssetPayload `json:"payload"`
}

// NewAsset validates the payload and normalises identifiers.
func NewAsset(id string, payload AssetPayload) (Asset, error) {
	if id == "" {
		return Asset{}, fmt.Errorf("asset id is required")
	}
	switch p := payload.(type) {
	case Material:
		if p.Name == "" {
			return Asset{}, fmt.Errorf("asset %s: material name is required", id)
		}
		p.Ticker = normalizeSymbol(p.Ticker)
		payload = p
	case Currency:
		p.Unit = normalizeSymbol(p.Unit)
		if p.Unit == "" {
			return Asset{}, fmt.Errorf("asset %s: currency unit is required", id)
		}
		payload = p
	case ContractRef:
		if p.ContractID == "" {
			return Asset{}, fmt.Errorf("asset %s: contract reference is required", id)
		}
	case nil:
		return Asset{}, fmt.Errorf("asset %s: payload is required", id)
	default:
		return Asset{}, fmt.Errorf("asset %s: unknown payload %T", id, payload)
	}
	return Asset{ID: id, Payload: payload}, nil
}

// Kind returns the variant tag.
func (a Asset) Kind() AssetKind {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Kind()
}

// Fungible reports whether fractional quantities of the asset may change hands.
func (a Asset) Fungible() bool {
	return a.Payload != nil && a.Payload.fungible()
}

func (a Asset) String() string {
	switch p := a.Payload.(type) {
	case Material:
		if p.Ticker != "" {
			return p.Ticker
		}
		return p.Name
	case Currency:
		return p.Unit
	case ContractRef:
		return "contract:" + p.ContractID
	}
	return a.ID
}

type assetJSON struct {
	ID      string          `json:"id"`
	Kind    AssetKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (a Asset) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(assetJSON{ID: a.ID, Kind: a.Kind(), Payload: payload})
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	var raw assetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodeAssetPayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	a.ID = raw.ID
	a.Payload = payload
	return nil
}

// DecodeAssetPayload rebuilds the variant stored under kind.
func DecodeAssetPayload(kind AssetKind, data []byte) (AssetPayload, error) {
	switch kind {
	case AssetKindMaterial:
		var m Material
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode material: %w", err)
		}
		return m, nil
	case AssetKindCurrency:
		var c Currency
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode currency: %w", err)
		}
		return c, nil
	case AssetKindContractRef:
		var r ContractRef
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode contract reference: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown asset kind %q", kind)
	}
}

// normalizeSymbol puts tickers and units ("€", "eur ") into NFC upper case.
func normalizeSymbol(s string) string {
	return norm.NFC.String(strings.ToUpper(strings.TrimSpace(s)))
}
