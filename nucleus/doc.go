// Package nucleus implements the bounded reasoning loop that mediates every
// model call made on behalf of a task.
//
// A Nucleus is bound to one Context Packet (the snapshot) and optionally to an
// internal context scope and a context provider. Each hook (Preflight, Invoke,
// Postcheck) runs the same round loop:
//
//   - the outgoing prompt's token cost is estimated and accumulated; once the
//     cumulative estimate reaches 85% of MaxContextTokens, built-in tools are
//     withheld and the round becomes terminal
//   - the last allowed round always withholds built-ins
//   - every model call is recorded as a NUCLEUS_INFERENCE ledger entry before
//     its result is inspected
//   - query_context calls are answered from the snapshot and scope and their
//     results appended to the prompt
//   - request_context_retrieval calls are fulfilled through the provider, at
//     most MaxRetrievalRounds times per hook run; without a provider they are
//     returned unresolved and reported as NeedsContext
//
// The model never receives raw fact values in the initial prompt, only a
// catalog of keys, type descriptors and sizes. Values enter the prompt solely
// through explicit query_context reads, which are themselves ledgered.
//
// A Nucleus serializes its hooks: no two model calls for the same instance
// are ever in flight.
package nucleus
