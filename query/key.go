package query

import (
	"slices"
	"strconv"
	"strings"
)

// Key identifies a cached query result by resource name and the exact
// parameters used to produce it.
type Key struct {
	Resource string
	Params   []string
}

// NewKey builds a key from a resource name and its parameters.
func NewKey(resource string, params ...string) Key {
	return Key{Resource: resource, Params: slices.Clone(params)}
}

// String returns an unambiguous encoding of the key; two keys are equal
// exactly when their strings are equal.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(strconv.Quote(k.Resource))
	for _, p := range k.Params {
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(p))
	}
	return b.String()
}

// Matcher selects cache keys for invalidation.
type Matcher func(Key) bool

// Exact matches only k.
func Exact(k Key) Matcher {
	want := k.String()
	return func(other Key) bool {
		return other.String() == want
	}
}

// Prefix matches keys of resource whose leading params equal params.
func Prefix(resource string, params ...string) Matcher {
	return func(k Key) bool {
		if k.Resource != resource || len(k.Params) < len(params) {
			return false
		}
		return slices.Equal(k.Params[:len(params)], params)
	}
}

// Any matches a key if any of the matchers does.
func Any(matchers ...Matcher) Matcher {
	return func(k Key) bool {
		for _, m := range matchers {
			if m(k) {
				return true
			}
		}
		return false
	}
}
