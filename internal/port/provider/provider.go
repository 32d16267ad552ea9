// Package provider defines the memory provider port: the contract every
// storage backend implements so the orchestrator can fan operations out
// without knowing backend specifics.
package provider

import (
	"context"

	"github.com/engramhq/engram/internal/domain/memory"
)

// Capability names an operation class a provider supports. Callers consult
// the capability list and skip unsupported operations instead of calling and
// failing.
type Capability string

const (
	CapabilityRead      Capability = "read"
	CapabilityWrite     Capability = "write"
	CapabilitySearch    Capability = "search"
	CapabilityDelete    Capability = "delete"
	CapabilityEnumerate Capability = "enumerate"

	// CapabilitySemantic marks a provider whose search expects a query
	// embedding and whose records benefit from stored embeddings.
	CapabilitySemantic Capability = "semantic"
)

// Provider is a storage/search backend for memory records.
//
// Contract notes:
//   - Store upserts: an existing ID is replaced, a new ID is appended.
//   - Retrieve of an unknown ID returns (nil, nil), not an error.
//   - Delete of an unknown ID is a no-op.
//   - Search returns results ordered most relevant first; the embedding
//     argument may be nil when no embedder is configured.
type Provider interface {
	ID() string
	Name() string
	Type() string
	Capabilities() []Capability

	Init(ctx context.Context) error
	Store(ctx context.Context, rec memory.Record) (string, error)
	Retrieve(ctx context.Context, id string) (*memory.Record, error)
	Search(ctx context.Context, query string, limit int, embedding []float32) ([]memory.Result, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Enumerator is the optional enumeration capability. Providers that can list
// every record implement it and declare CapabilityEnumerate.
type Enumerator interface {
	All(ctx context.Context) ([]memory.Record, error)
}

// Has reports whether the provider declares the given capability.
func Has(p Provider, c Capability) bool {
	for _, got := range p.Capabilities() {
		if got == c {
			return true
		}
	}
	return false
}

// AsEnumerator returns the provider's enumeration interface when both the
// capability is declared and the interface is implemented.
func AsEnumerator(p Provider) (Enumerator, bool) {
	if !Has(p, CapabilityEnumerate) {
		return nil, false
	}
	e, ok := p.(Enumerator)
	return e, ok
}
