// Package auth resolves API keys to principals. The principal namespaces
// every thread a caller creates.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

type Identity struct {
	Principal string
	Roles     []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator keeps only SHA-256 digests of the configured keys.
type StaticAPIKeyValidator struct {
	byDigest map[string]Identity
}

// NewStaticAPIKeyValidator parses comma separated key:principal:role|role
// entries, e.g. "k1:alice:agent_user,k2:ops:agent_user|agent_admin".
func NewStaticAPIKeyValidator(keys string) (*StaticAPIKeyValidator, error) {
	v := &StaticAPIKeyValidator{byDigest: map[string]Identity{}}
	for entry := range strings.SplitSeq(keys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, identity, err := parseKeyEntry(entry)
		if err != nil {
			return nil, err
		}
		digest := hashKey(key)
		if _, dup := v.byDigest[digest]; dup {
			return nil, fmt.Errorf("static key for principal %q is configured twice", identity.Principal)
		}
		v.byDigest[digest] = identity
	}
	return v, nil
}

func parseKeyEntry(entry string) (string, Identity, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 {
		return "", Identity{}, fmt.Errorf("invalid static key entry: expected key:principal:role|role, got %d fields", len(parts))
	}
	key := strings.TrimSpace(parts[0])
	principal := strings.TrimSpace(parts[1])
	if key == "" || principal == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry for %q: empty key or principal", principal)
	}
	var roles []string
	for role := range strings.SplitSeq(parts[2], "|") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry for %q: at least one role is required", principal)
	}
	slices.Sort(roles)
	return key, Identity{Principal: principal, Roles: slices.Compact(roles)}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.byDigest[hashKey(apiKey)]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.byDigest)
}

func hashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
