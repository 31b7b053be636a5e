// Package hashvariant derives the BLAKE3 content hashes that name cache
// variants from canonicalized identities and resolved weak/ref-only
// dependency bindings.
package hashvariant

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/wharflab/envy/internal/identity"
)

// Pair is a single (product, resolved-provider-identity) contribution to a
// variant hash.
type Pair struct {
	Product  string
	Provider identity.Identity
}

// Input collects everything that feeds a single instance's variant hash.
type Input struct {
	Identity identity.Identity
	Weak     []Pair // weak/ref-only dependency bindings, any order
	Fallback *identity.Identity
}

// Hash computes BLAKE3(identity_canonical | sorted weak pairs | fallback)
// and returns it hex-encoded (64 chars).
func Hash(in Input) string {
	h := blake3.New()
	_, _ = h.Write([]byte(in.Identity.Canonical()))

	pairs := make([]string, len(in.Weak))
	for i, p := range in.Weak {
		pairs[i] = p.Product + "=" + p.Provider.Canonical()
	}
	sort.Strings(pairs)
	for _, p := range pairs {
		_, _ = h.Write([]byte("|"))
		_, _ = h.Write([]byte(p))
	}

	if in.Fallback != nil {
		_, _ = h.Write([]byte("|fallback="))
		_, _ = h.Write([]byte(in.Fallback.Canonical()))
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

// CanonicalOptions renders an options table as a stable byte
// representation: recursively sorted keys, stringified scalars,
// functions/userdata rejected. No library in the retrieval pack offers a
// canonical encoder with that exact "reject functions" rule (see
// DESIGN.md), so this is a small hand-rolled walk over the decoded YAML
// value (map[string]any / []any / scalars).
func CanonicalOptions(v any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(val, `"`, `\"`))
		b.WriteByte('"')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			b.WriteString(k)
			b.WriteString(`":`)
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return rejectScalar(b, v)
	}
	return nil
}

// rejectScalar stringifies numeric scalars and rejects anything whose kind
// can't be part of a canonical byte representation: funcs, channels,
// userdata-equivalent pointers.
func rejectScalar(b *strings.Builder, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Invalid:
		return fmt.Errorf("canonicalize: option value of kind %s is not representable", rv.Kind())
	default:
		b.WriteString(fmt.Sprintf("%v", v))
		return nil
	}
}
