// Package inference owns the decode-time side of the bridge.
//
// A Context holds the slot sequence of one conversation on top of a shared
// model.Runtime: the decoded key/value state, a pending queue of slots not yet
// run through the model, the window policy applied on overflow, and warm-up.
// An Injector turns caller embedding buffers into pinned slots. An Engine
// drives the decode loop over a Context and streams text fragments.
//
// None of these types are safe for concurrent use; the bridge serializes
// every mutation of a Context.
package inference
