// Package sdkcontext defines the evaluation context: the company and/or user
// identity that flag checks and analytics events are scoped to.
package sdkcontext

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"golang.org/x/exp/maps"
)

// Context identifies the subject(s) of flag evaluation. Either or both of
// Company and User may be set; each is a map of key names to key values
// (for example {"id": "comp_123"} or {"email": "user@example.com"}).
type Context struct {
	Company map[string]string `json:"company,omitempty"`
	User    map[string]string `json:"user,omitempty"`
}

// HasIdentity returns true if the context identifies at least one subject.
func (c Context) HasIdentity() bool {
	return len(c.Company) > 0 || len(c.User) > 0
}

// CanonicalString returns the canonical JSON serialization of the context:
// object properties appear in sorted key order, so two contexts with the same
// key/value pairs always produce the same string regardless of how their maps
// were built. This string is used as the cache bucket key for flag results.
func (c Context) CanonicalString() string {
	w := jwriter.NewWriter()
	c.WriteToJSONWriter(&w)
	if w.Error() != nil {
		return "" // COVERAGE: jwriter cannot fail on in-memory string data
	}
	return string(w.Bytes())
}

// WriteToJSONWriter writes the context in canonical form using the given writer.
func (c Context) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	if len(c.Company) > 0 {
		writeSortedKeys(obj.Name("company"), c.Company)
	}
	if len(c.User) > 0 {
		writeSortedKeys(obj.Name("user"), c.User)
	}
	obj.End()
}

// Equal reports whether two contexts have the same canonical serialization.
func (c Context) Equal(other Context) bool {
	return c.CanonicalString() == other.CanonicalString()
}

func writeSortedKeys(w *jwriter.Writer, keys map[string]string) {
	names := maps.Keys(keys)
	sort.Strings(names)
	obj := w.Object()
	for _, name := range names {
		obj.Name(name).String(keys[name])
	}
	obj.End()
}
