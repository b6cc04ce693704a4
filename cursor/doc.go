// Package cursor produces and validates the opaque pagination tokens handed
// to peers by list operations.
//
// A token encodes a Position: the offset of the next item, a fingerprint of
// the filter and sort parameters that produced the listing, and an optional
// dataset version. Tokens are compact JWS objects signed with an HMAC key so
// that peers cannot fabricate or alter them. Encoding is deterministic: the
// same Position under the same key always yields the same token.
//
// Any token that cannot be decoded, fails verification, or no longer matches
// the listing it is presented to yields ErrInvalidCursor. Handlers map that
// to an invalid-params error on the wire.
//
//	codec, _ := cursor.NewCodec(secret)
//	p := cursor.NewPaginator[mcp.Tool](codec, 50)
//	page, err := p.Page(tools, req.Cursor, cursor.Query{Fingerprint: cursor.Fingerprint("tools")})
package cursor
