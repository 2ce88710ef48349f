// Package scope implements the Internal Context Scope: a per-task store of
// ephemeral artifacts produced by retrieval or reasoning. Every addition and
// promotion is recorded in the ledger. Promoted artifacts become augmentations
// of the next Context Packet version; nothing else leaves the scope.
package scope

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentplan/artifact"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
)

// ErrArtifactNotFound is returned for ids unknown to the scope.
var ErrArtifactNotFound = errors.New("artifact not found in scope")

// Options configures a Scope.
type Options struct {
	Store  core.ArtifactStore
	Ledger ledger.Appender
	Logger logging.Logger
	Clock  func() time.Time
}

// CatalogEntry describes an artifact without its content.
type CatalogEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SizeBytes int    `json:"sizeBytes"`
	Promoted  bool   `json:"promoted"`
}

// Scope is owned by exactly one task/Nucleus pairing.
type Scope struct {
	id   string
	opts Options

	mu       sync.Mutex
	seq      int
	promoted []string
	isPromo  map[string]struct{}
}

// New creates a scope backed by an in-memory store unless one is supplied.
func New(id string, optFns ...func(o *Options)) *Scope {
	opts := Options{
		Store:  artifact.NewInMemoryStore(),
		Ledger: ledger.Discard,
		Logger: logging.NoOpLogger{},
		Clock:  func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Scope{id: id, opts: opts, isPromo: map[string]struct{}{}}
}

// ID returns the scope identifier.
func (s *Scope) ID() string { return s.id }

// AddArtifact stores content under a content-derived id and records a
// CONTEXT_INTERNALIZED entry.
func (s *Scope) AddArtifact(typ string, content any, provenance map[string]any) (string, error) {
	if b, ok := content.([]byte); ok {
		content = string(b)
	}

	norm, err := util.Normalize(content)
	if err != nil {
		return "", fmt.Errorf("artifact %q: %w", typ, err)
	}

	enc, err := util.CanonicalJSON(norm)
	if err != nil {
		return "", fmt.Errorf("artifact %q: %w", typ, err)
	}

	digest := util.HashBytes(enc)

	size := len(enc)
	if str, ok := norm.(string); ok {
		size = len(str)
	}

	prov := make(map[string]any, len(provenance)+1)
	for k, v := range provenance {
		prov[k] = v
	}

	if _, ok := prov["retrievedAt"]; !ok {
		prov["retrievedAt"] = s.opts.Clock().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("%s-%d", digest[:12], s.seq)

	a := core.Artifact{ID: id, Type: typ, Content: norm, Digest: digest, SizeBytes: size, Provenance: prov}
	if err := s.opts.Store.Save(s.id, a); err != nil {
		s.seq--
		return "", fmt.Errorf("store artifact: %w", err)
	}

	details := map[string]any{
		"action":     "added",
		"scope":      s.id,
		"artifactId": id,
		"type":       typ,
		"digest":     digest,
		"sizeBytes":  size,
	}

	for _, k := range []string{"tool", "rationale", "directive"} {
		if v, ok := provenance[k]; ok {
			details[k] = v
		}
	}

	if _, err := s.opts.Ledger.Append(ledger.ContextInternalized, details); err != nil {
		return "", err
	}

	s.opts.Logger.Debug("scope.artifact.added", "scope", s.id, "artifact", id, "type", typ, "size", size)

	return id, nil
}

// Promote marks an artifact for inclusion in the next packet version. It
// returns false when the artifact was already promoted; no second ledger
// entry is written in that case.
func (s *Scope) Promote(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.isPromo[id]; done {
		return false, nil
	}

	if _, err := s.get(id); err != nil {
		return false, err
	}

	if _, err := s.opts.Ledger.Append(ledger.ContextInternalized, map[string]any{
		"action":     "promoted",
		"scope":      s.id,
		"artifactId": id,
	}); err != nil {
		return false, err
	}

	s.isPromo[id] = struct{}{}
	s.promoted = append(s.promoted, id)

	s.opts.Logger.Debug("scope.artifact.promoted", "scope", s.id, "artifact", id)

	return true, nil
}

// GetArtifact returns the raw content of an artifact.
func (s *Scope) GetArtifact(id string) (any, error) {
	a, err := s.Artifact(id)
	if err != nil {
		return nil, err
	}
	return a.Content, nil
}

// Artifact returns the full artifact record.
func (s *Scope) Artifact(id string) (core.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(id)
}

func (s *Scope) get(id string) (core.Artifact, error) {
	a, err := s.opts.Store.Get(s.id, id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return core.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
		}
		return core.Artifact{}, err
	}
	return a, nil
}

// Catalog lists artifacts in insertion order without content.
func (s *Scope) Catalog() ([]CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.opts.Store.List(s.id)
	if err != nil {
		return nil, err
	}

	out := make([]CatalogEntry, 0, len(list))
	for _, a := range list {
		_, promo := s.isPromo[a.ID]
		out = append(out, CatalogEntry{ID: a.ID, Type: a.Type, SizeBytes: a.SizeBytes, Promoted: promo})
	}

	return out, nil
}

// Len returns the number of artifacts held.
func (s *Scope) Len() int {
	c, err := s.Catalog()
	if err != nil {
		return 0
	}
	return len(c)
}

// Promoted returns promoted artifacts in promotion order.
func (s *Scope) Promoted() ([]core.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.Artifact, 0, len(s.promoted))
	for _, id := range s.promoted {
		a, err := s.get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}

	return out, nil
}
