// Package braidproto encodes the Braid-HTTP subscription frames used by the
// read-only session document feed.
package braidproto

// Patch represents a patch operation in the Braid protocol
type Patch struct {
	Unit    string `json:"unit"`    // Unit is the JSON Patch operation, e.g. "replace"
	Range   string `json:"range"`   // Range is the JSON pointer the patch applies to, e.g. "/groups/abc/members"
	Content string `json:"content"` // Content is the JSON encoded value, empty for removals
}

// Update represents a Braid protocol update with version, parents, and either patches or a full body
type Update struct {
	Version []string `json:"version"`           // Version identifiers for this update
	Parents []string `json:"parents"`           // Parent versions this update is based on
	Patches []Patch  `json:"patches,omitempty"` // Optional list of patches
	Body    string   `json:"body,omitempty"`    // Optional full body content
}

// StatusSubscribed is the response status of an accepted subscription.
const StatusSubscribed = 209
