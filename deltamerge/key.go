package deltamerge

import (
	"crypto/md5" // #nosec G501 -- keys are identifiers, not secrets
	"encoding/hex"
	"sort"
	"strings"
)

// KeyFunc derives the primary key of one encoded wire row. An empty key
// means the row cannot be keyed and is excluded from comparison.
type KeyFunc func(row map[string]string) string

// FieldKey keys rows by a single field's value.
func FieldKey(name string) KeyFunc {
	return func(row map[string]string) string {
		return row[name]
	}
}

// CompositeKey keys rows by the md5 of the named fields, order-independent.
func CompositeKey(fields ...string) KeyFunc {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return func(row map[string]string) string {
		pairs := make([]string, len(sorted))
		for i, f := range sorted {
			pairs[i] = f + "=" + row[f]
		}
		return hashPairs(pairs)
	}
}

// DefaultKey keys rows by the md5 of every u_-prefixed field.
func DefaultKey(row map[string]string) string {
	var pairs []string
	for k, v := range row {
		if strings.HasPrefix(k, "u_") {
			pairs = append(pairs, k+"="+v)
		}
	}
	if len(pairs) == 0 {
		return ""
	}
	sort.Strings(pairs)
	return hashPairs(pairs)
}

func hashPairs(pairs []string) string {
	sum := md5.Sum([]byte(strings.Join(pairs, "^"))) // #nosec G401
	return hex.EncodeToString(sum[:])
}
