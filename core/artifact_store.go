package core

// Artifact is a piece of retrieved or derived data held in an internal
// context scope. IDs are content derived and unique within a scope.
type Artifact struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    any            `json:"content"`
	Digest     string         `json:"digest"`
	SizeBytes  int            `json:"sizeBytes"`
	Provenance map[string]any `json:"provenance,omitempty"`
}

// ArtifactStore defines the interface for artifact persistence. Implementations
// should be thread-safe and scope artifacts by scope identifier. List returns
// artifacts in insertion order.
type ArtifactStore interface {
	Save(scopeID string, a Artifact) error
	Get(scopeID, artifactID string) (Artifact, error)
	List(scopeID string) ([]Artifact, error)
	Delete(scopeID, artifactID string) error
}
