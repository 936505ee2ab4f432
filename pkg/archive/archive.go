// Package archive keeps sweep reports and other engine records in a
// content-addressed blob store. Records are canonicalised with JCS before
// hashing, so the same report always lands under the same reference.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// ErrNotFound is returned for an unknown reference.
var ErrNotFound = errors.New("archived blob not found")

const refPrefix = "sha256:"

// Store is a content-addressed blob store. References have the form
// "sha256:<hex>".
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// PutJSON stores the canonical JSON form of v.
func PutJSON(ctx context.Context, s Store, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	return s.Put(ctx, canonical)
}

// GetJSON loads a record stored with PutJSON into v.
func GetJSON(ctx context.Context, s Store, ref string, v any) error {
	data, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func digest(data []byte) (ref, key string) {
	sum := sha256.Sum256(data)
	key = hex.EncodeToString(sum[:])
	return refPrefix + key, key
}

// parseRef validates a reference and returns its hex part.
func parseRef(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("invalid reference format: %s", ref)
	}
	if b, err := hex.DecodeString(key); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid reference hex: %s", ref)
	}
	return key, nil
}
