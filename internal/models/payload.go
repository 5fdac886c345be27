package models

import "github.com/tidwall/gjson"

// PartnerPayload is a partner-API-shaped JSON document produced from a
// CanonicalRecord (or read back from a partner API). It is immutable once
// built; accessors return copies.
type PartnerPayload struct {
	partner Partner
	body    []byte
}

// NewPartnerPayload wraps a JSON body for a partner. The caller must not
// retain or mutate body after the call.
func NewPartnerPayload(p Partner, body []byte) PartnerPayload {
	return PartnerPayload{partner: p, body: body}
}

// Partner returns the partner system the payload is shaped for.
func (p PartnerPayload) Partner() Partner {
	return p.partner
}

// Body returns a copy of the JSON document.
func (p PartnerPayload) Body() []byte {
	out := make([]byte, len(p.body))
	copy(out, p.body)
	return out
}

// Get resolves a gjson path in the payload.
func (p PartnerPayload) Get(path string) gjson.Result {
	return gjson.GetBytes(p.body, path)
}

// Has reports whether the path exists in the payload. A present-but-empty
// value still reports true; this is how reverse translation distinguishes
// "explicitly cleared" from "absent".
func (p PartnerPayload) Has(path string) bool {
	return p.Get(path).Exists()
}

// Empty reports whether the payload carries no document.
func (p PartnerPayload) Empty() bool {
	return len(p.body) == 0
}
