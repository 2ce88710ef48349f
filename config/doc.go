// Package config loads the YAML configuration shared by the agentplan CLI
// and the root façade: logging, the language model, Nucleus defaults and
// named profiles, executor tuning, the checkpoint store, policy rules and
// memory-backed retrieval sources.
//
// A missing file yields Default(). API keys may be left out of the file;
// they are taken from OPENAI_API_KEY or ANTHROPIC_API_KEY.
package config
