// Package memory backs retrieval sources. InMemoryStore is a keyword index
// implementing core.MemoryStore, and NewSearchTool exposes one namespace of
// a store as a tool whose hits come back as artifact specs.
package memory
