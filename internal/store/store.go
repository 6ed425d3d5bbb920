// Package store implements the ArtifactStore: the authoritative
// id→Artifact map plus its secondary indexes and dependency graph.
// SPEC_FULL.md §4.1.
//
// Grounded on the teacher's system/core registry idiom (single
// read-write mutex guarding a map plus deterministic ordering slices),
// generalized from service-module registration to artifact storage with
// creator/type/metadata indexes and a dependency graph.
package store

import (
	"sort"
	"sync"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

// Predicate filters artifacts during List. Returning false excludes the
// artifact from the result.
type Predicate func(*artifact.Artifact) bool

// Store is the authoritative ArtifactStore.
type Store struct {
	mu sync.RWMutex

	byID map[string]*artifact.Artifact

	byCreator map[string]map[string]struct{}
	byType    map[artifact.Type]map[string]struct{}
	byMeta    map[string]map[string]struct{} // "key=value" -> ids

	outbound map[string]map[string]struct{} // id -> dependency ids
	inbound  map[string]map[string]struct{} // id -> dependent ids

	ids *clock.IdRegistry
}

// New returns an empty Store.
func New(ids *clock.IdRegistry) *Store {
	return &Store{
		byID:      make(map[string]*artifact.Artifact),
		byCreator: make(map[string]map[string]struct{}),
		byType:    make(map[artifact.Type]map[string]struct{}),
		byMeta:    make(map[string]map[string]struct{}),
		outbound:  make(map[string]map[string]struct{}),
		inbound:   make(map[string]map[string]struct{}),
		ids:       ids,
	}
}

// Get returns a copy of the artifact with id, or a not_found error.
func (s *Store) Get(id string) (*artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, kernelerr.NotFoundf("artifact", id)
	}
	return a.Clone(), nil
}

// Exists reports whether id is present, without copying.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Put inserts a new artifact or overwrites an existing one in place,
// atomically updating every index. Id reuse after deletion is rejected:
// the kernel's IdRegistry remembers every id ever claimed.
func (s *Store) Put(a *artifact.Artifact) error {
	if a == nil || a.ID == "" {
		return kernelerr.New(kernelerr.InvalidArgument, "artifact id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, isUpdate := s.byID[a.ID]
	if !isUpdate {
		if !s.ids.IsAvailable(a.ID) {
			return kernelerr.IDCollisionf(a.ID)
		}
	} else {
		if existing.CreatedBy != a.CreatedBy {
			return kernelerr.InvariantViolationf("created_by is immutable for %q", a.ID)
		}
	}

	cp := a.Clone()
	s.byID[a.ID] = cp

	if isUpdate {
		s.removeFromIndexes(existing)
	} else {
		if !s.ids.Claim(a.ID) {
			delete(s.byID, a.ID)
			return kernelerr.IDCollisionf(a.ID)
		}
	}
	s.addToIndexes(cp)

	return nil
}

// Delete removes an artifact, severing its dependency edges and
// notifying via the returned inbound dependent id list (the caller —
// the executor — is responsible for emitting the deletion event and
// waking subscribers, since that crosses into EventLog/Trigger
// concerns this package must not import to avoid a cycle).
func (s *Store) Delete(id string) (inboundDependents []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, kernelerr.NotFoundf("artifact", id)
	}
	if a.KernelProtected {
		return nil, kernelerr.Protectedf(id)
	}

	for dep := range s.inbound[id] {
		inboundDependents = append(inboundDependents, dep)
	}

	s.removeFromIndexes(a)
	delete(s.byID, id)
	delete(s.outbound, id)
	delete(s.inbound, id)
	for _, m := range s.outbound {
		delete(m, id)
	}
	for _, m := range s.inbound {
		delete(m, id)
	}

	sort.Strings(inboundDependents)
	return inboundDependents, nil
}

// List returns every artifact matching pred, ordered deterministically
// by creation event number.
func (s *Store) List(pred Predicate) []*artifact.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*artifact.Artifact, 0)
	for _, a := range s.byID {
		if pred == nil || pred(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtEvent != out[j].CreatedAtEvent {
			return out[i].CreatedAtEvent < out[j].CreatedAtEvent
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LoadSnapshot repopulates an empty Store from a previously captured
// artifact set, bypassing Put's id-collision check — the caller (the
// Checkpoint subsystem) is expected to have already restored the
// backing IdRegistry from the same snapshot, so every id here is
// already claimed. Used only during Restore, never during normal
// operation.
func (s *Store) LoadSnapshot(artifacts []*artifact.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range artifacts {
		cp := a.Clone()
		s.byID[cp.ID] = cp
		s.addToIndexes(cp)
	}
}

// ByCreator is a convenience Predicate factory for the creator index.
func ByCreator(creator string) Predicate {
	return func(a *artifact.Artifact) bool { return a.CreatedBy == creator }
}

// ByType is a convenience Predicate factory for the type index.
func ByType(t artifact.Type) Predicate {
	return func(a *artifact.Artifact) bool { return a.Type == t }
}

// ByMetadata is a convenience Predicate factory for the metadata index.
// Remember: metadata is never an authority input, only ever used for
// discovery/listing like this.
func ByMetadata(key, value string) Predicate {
	return func(a *artifact.Artifact) bool { return a.Metadata != nil && a.Metadata[key] == value }
}

// Dependencies describes both directions of the dependency graph for
// one artifact.
type Dependencies struct {
	Outbound []string // artifacts this one depends on
	Inbound  []string // artifacts that depend on this one
}

// ResolveDependencies returns the outbound and inbound edges for id.
func (s *Store) ResolveDependencies(id string) (Dependencies, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; !ok {
		return Dependencies{}, kernelerr.NotFoundf("artifact", id)
	}
	var d Dependencies
	for dep := range s.outbound[id] {
		d.Outbound = append(d.Outbound, dep)
	}
	for dep := range s.inbound[id] {
		d.Inbound = append(d.Inbound, dep)
	}
	sort.Strings(d.Outbound)
	sort.Strings(d.Inbound)
	return d, nil
}

// addToIndexes must be called with s.mu held.
func (s *Store) addToIndexes(a *artifact.Artifact) {
	indexAdd(s.byCreator, a.CreatedBy, a.ID)
	indexAddType(s.byType, a.Type, a.ID)
	for k, v := range a.Metadata {
		indexAdd(s.byMeta, k+"="+v, a.ID)
	}
	if len(a.Dependencies) > 0 {
		if s.outbound[a.ID] == nil {
			s.outbound[a.ID] = make(map[string]struct{})
		}
		for dep := range a.Dependencies {
			s.outbound[a.ID][dep] = struct{}{}
			if s.inbound[dep] == nil {
				s.inbound[dep] = make(map[string]struct{})
			}
			s.inbound[dep][a.ID] = struct{}{}
		}
	}
}

// removeFromIndexes must be called with s.mu held.
func (s *Store) removeFromIndexes(a *artifact.Artifact) {
	indexDel(s.byCreator, a.CreatedBy, a.ID)
	indexDelType(s.byType, a.Type, a.ID)
	for k, v := range a.Metadata {
		indexDel(s.byMeta, k+"="+v, a.ID)
	}
	for dep := range s.outbound[a.ID] {
		if inb, ok := s.inbound[dep]; ok {
			delete(inb, a.ID)
		}
	}
	delete(s.outbound, a.ID)
}

func indexAdd(idx map[string]map[string]struct{}, key, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func indexDel(idx map[string]map[string]struct{}, key, id string) {
	if m, ok := idx[key]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(idx, key)
		}
	}
}

func indexAddType(idx map[artifact.Type]map[string]struct{}, t artifact.Type, id string) {
	if idx[t] == nil {
		idx[t] = make(map[string]struct{})
	}
	idx[t][id] = struct{}{}
}

func indexDelType(idx map[artifact.Type]map[string]struct{}, t artifact.Type, id string) {
	if m, ok := idx[t]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(idx, t)
		}
	}
}
