// Package payload recovers typed fields from arbitrary decoded JSON.
//
// The indexer's event/action/metadata trees are schema-free: every market
// encodes listings differently, and fields move around between API versions.
// Rather than declaring a struct per market, callers name the keys they
// care about (in priority order) and we walk the tree. Extraction is total:
// malformed input yields "not found", never an error.
package payload

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Values above this are assumed to be denominated in nanotons and are scaled
// down to TON. This is a heuristic, not a unit tag: a legitimately huge
// TON-denominated number would be misclassified. The indexer gives us no
// authoritative way to disambiguate.
var nanoThreshold = decimal.New(1, 6) // 1e6

var nanotonsPerTon = decimal.New(1, 9) // 1e9

// wrapper object keys unwrapped during address search
var addressWrappers = []string{"address", "account_id", "owner"}

// friendly-form prefixes for user-facing TON addresses
var friendlyPrefixes = []string{"EQ", "UQ", "kQ", "0Q"}

// FindAddress returns the first chain address found under any of the given
// keys. Direct keys on the current node are checked before descending; the
// walk then descends into object values and array elements in order.
func FindAddress(v any, keys ...string) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range keys {
			if raw, ok := t[k]; ok {
				if addr, ok := asAddress(raw); ok {
					return addr, true
				}
			}
		}
		for _, k := range sortedKeys(t) {
			if addr, ok := FindAddress(t[k], keys...); ok {
				return addr, true
			}
		}
	case []any:
		for _, el := range t {
			if addr, ok := FindAddress(el, keys...); ok {
				return addr, true
			}
		}
	}
	return "", false
}

// asAddress accepts a plain address string or a single-level wrapper object
// ({"address": ...}, {"account_id": ...}, {"owner": ...}).
func asAddress(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if IsAddress(t) {
			return t, true
		}
	case map[string]any:
		for _, k := range addressWrappers {
			if s, ok := t[k].(string); ok && IsAddress(s) {
				return s, true
			}
		}
	}
	return "", false
}

// IsAddress reports whether s looks like a TON address: either the raw
// "workchain:hex" form or a 48-char friendly form with a known prefix.
func IsAddress(s string) bool {
	if i := strings.IndexByte(s, ':'); i > 0 {
		wc, hex := s[:i], s[i+1:]
		if _, err := strconv.Atoi(wc); err != nil {
			return false
		}
		if len(hex) != 64 {
			return false
		}
		for _, c := range hex {
			if !isHex(c) {
				return false
			}
		}
		return true
	}
	if len(s) != 48 {
		return false
	}
	for _, p := range friendlyPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// FindAmount returns the first amount found under any of the given keys,
// normalized to TON. Accepted shapes: a JSON number, a numeric string, or
// an object carrying a nested numeric "value".
func FindAmount(v any, keys ...string) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range keys {
			if raw, ok := t[k]; ok {
				if d, ok := asAmount(raw); ok {
					return d, true
				}
			}
		}
		for _, k := range sortedKeys(t) {
			if d, ok := FindAmount(t[k], keys...); ok {
				return d, true
			}
		}
	case []any:
		for _, el := range t {
			if d, ok := FindAmount(el, keys...); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

func asAmount(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return NormalizeAmount(decimal.NewFromFloat(t)), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return NormalizeAmount(d), true
	case map[string]any:
		if inner, ok := t["value"]; ok {
			return asAmount(inner)
		}
	}
	return decimal.Zero, false
}

// NormalizeAmount scales a raw on-chain amount to TON. Idempotent: an
// already-human-scaled value stays below the threshold and is not rescaled.
func NormalizeAmount(d decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(nanoThreshold) {
		return d.Div(nanotonsPerTon)
	}
	return d
}

// FindString returns the first plain string value found under any of the
// given keys.
func FindString(v any, keys ...string) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range keys {
			if s, ok := t[k].(string); ok {
				return s, true
			}
		}
		for _, k := range sortedKeys(t) {
			if s, ok := FindString(t[k], keys...); ok {
				return s, true
			}
		}
	case []any:
		for _, el := range t {
			if s, ok := FindString(el, keys...); ok {
				return s, true
			}
		}
	}
	return "", false
}

// CollectStrings gathers every string value stored under key anywhere in the
// tree, in walk order. Used to flatten trait lists: collecting "trait_type"
// and "value" separately yields two aligned slices.
func CollectStrings(v any, key string) []string {
	var out []string
	collectStrings(v, key, &out)
	return out
}

func collectStrings(v any, key string, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t[key].(string); ok {
			*out = append(*out, s)
		}
		for _, k := range sortedKeys(t) {
			collectStrings(t[k], key, out)
		}
	case []any:
		for _, el := range t {
			collectStrings(el, key, out)
		}
	}
}

// Map iteration order is randomized; sort keys so extraction is
// deterministic when several subtrees could satisfy a search.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
