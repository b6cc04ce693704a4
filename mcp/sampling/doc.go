// Package sampling builds sampling/createMessage payloads and reads their
// results. Sessions treat these payloads as opaque; this package gives
// servers a typed way to produce and consume them.
//
// Example:
//
//	req := sampling.New(
//	    []sampling.Message{sampling.UserText("Summarize this repository")},
//	    sampling.WithSystemPrompt("You are a terse summarizer."),
//	    sampling.WithMaxTokens(256),
//	)
//	params, err := req.Encode()
//	if err != nil { return err }
//	raw, err := sess.CreateMessage(ctx, params)
//	if err != nil { return err }
//	res, err := sampling.DecodeResult(raw)
package sampling
