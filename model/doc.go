// Package model defines the provider‑agnostic model-call contract used by the
// Nucleus: a single prompt plus tool definitions and call settings in, model
// reasoning plus tool calls out.
//
// Core goals:
//   - Keep the Nucleus decoupled from any vendor wire protocol
//   - Normalize tool / function call representation (ToolDefinition, ToolCall)
//   - Facilitate deterministic mocking for tests (MockModel, Func)
//
// Providers (OpenAI, Anthropic) implement the Model interface in their own
// sub-packages so higher layers never import vendor SDKs.
package model
