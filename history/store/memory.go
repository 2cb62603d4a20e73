// Package store provides in-memory Source and Recorder implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/rule-history/history"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	versions map[history.LogicalName][]history.EntityVersion
	values   map[history.FieldValueSetID][]history.FieldValue
	methods  map[history.FieldValueID]history.CreationMethod
	seenVer  map[history.VersionID]bool
	seenVal  map[history.FieldValueID]bool

	nextVersion history.VersionID
	nextValue   history.FieldValueID
	nextSet     history.FieldValueSetID

	// Latency delays every Fetch; used to exercise the engine timeout.
	// A delayed Fetch deliberately ignores ctx to mimic a stuck driver.
	Latency time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		versions: make(map[history.LogicalName][]history.EntityVersion),
		values:   make(map[history.FieldValueSetID][]history.FieldValue),
		methods:  make(map[history.FieldValueID]history.CreationMethod),
		seenVer:  make(map[history.VersionID]bool),
		seenVal:  make(map[history.FieldValueID]bool),
	}
}

// =============================================================================
// SOURCE
// =============================================================================

func (m *Memory) Fetch(_ context.Context, name history.LogicalName, scope history.FieldScope) (history.Snapshot, error) {
	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := append([]history.EntityVersion(nil), m.versions[name]...)
	snap := history.Snapshot{
		LogicalName:    name,
		Versions:       versions,
		PathwayMethods: make(map[history.FieldValueID]history.CreationMethod),
	}

	sets := make(map[history.FieldValueSetID]bool)
	switch scope {
	case history.ScopeAllVersions:
		for _, v := range versions {
			sets[v.FieldValueSetID] = true
		}
	default:
		for _, v := range versions {
			if v.InactiveFrom == nil {
				sets[v.FieldValueSetID] = true
			}
		}
	}

	for setID := range sets {
		for _, fv := range m.values[setID] {
			snap.Values = append(snap.Values, fv)
			if method, ok := m.methods[fv.FieldValueID]; ok {
				snap.PathwayMethods[fv.FieldValueID] = method
			}
		}
	}
	sort.Slice(snap.Values, func(i, j int) bool {
		return snap.Values[i].FieldValueID < snap.Values[j].FieldValueID
	})
	return snap, nil
}

func (m *Memory) ListRules(_ context.Context) ([]history.LogicalName, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]history.LogicalName, 0, len(m.versions))
	for name := range m.versions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// =============================================================================
// RECORDER
// =============================================================================

func (m *Memory) ImportVersion(_ context.Context, v history.EntityVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seenVer[v.VersionID] {
		return history.ErrDuplicateRecord
	}
	m.insertVersionLocked(v)
	return nil
}

func (m *Memory) ImportFieldValue(_ context.Context, v history.FieldValue, method history.CreationMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seenVal[v.FieldValueID] {
		return history.ErrDuplicateRecord
	}
	m.insertValueLocked(v, method)
	return nil
}

func (m *Memory) ForkVersion(_ context.Context, req history.ForkRequest) (history.EntityVersion, error) {
	if err := req.Validate(); err != nil {
		return history.EntityVersion{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	setID := req.FieldValueSetID
	versions := m.versions[req.LogicalName]
	for i := range versions {
		if versions[i].InactiveFrom != nil {
			continue
		}
		if setID == 0 {
			setID = versions[i].FieldValueSetID
		}
		at := req.At
		versions[i].InactiveFrom = &at
	}
	if setID == 0 {
		setID = m.nextSet + 1
	}

	v := history.EntityVersion{
		VersionID:       m.nextVersion + 1,
		LogicalName:     req.LogicalName,
		CreatedAt:       req.At,
		CreatedBy:       req.Actor,
		EffectiveFrom:   req.EffectiveOrAt(),
		CreationMethod:  req.Method,
		FieldValueSetID: setID,
	}
	m.insertVersionLocked(v)
	return v, nil
}

func (m *Memory) SetFieldValue(_ context.Context, upd history.FieldUpdate) (history.FieldValue, error) {
	if err := upd.Validate(); err != nil {
		return history.FieldValue{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	values := m.values[upd.FieldValueSetID]
	for i := range values {
		if values[i].FieldName == upd.FieldName && values[i].InactiveFrom == nil {
			at := upd.At
			values[i].InactiveFrom = &at
		}
	}

	fv := history.FieldValue{
		FieldValueID:    m.nextValue + 1,
		FieldValueSetID: upd.FieldValueSetID,
		FieldName:       upd.FieldName,
		LiteralValue:    upd.Value,
		UpdatedAt:       upd.At,
		UpdatedBy:       upd.Actor,
		EffectiveFrom:   upd.At,
	}
	m.insertValueLocked(fv, upd.MethodOrDefault())
	return fv, nil
}

func (m *Memory) insertVersionLocked(v history.EntityVersion) {
	m.versions[v.LogicalName] = append(m.versions[v.LogicalName], v)
	m.seenVer[v.VersionID] = true
	if v.VersionID > m.nextVersion {
		m.nextVersion = v.VersionID
	}
	if v.FieldValueSetID > m.nextSet {
		m.nextSet = v.FieldValueSetID
	}
}

func (m *Memory) insertValueLocked(v history.FieldValue, method history.CreationMethod) {
	m.values[v.FieldValueSetID] = append(m.values[v.FieldValueSetID], v)
	m.seenVal[v.FieldValueID] = true
	if method != "" {
		m.methods[v.FieldValueID] = method
	}
	if v.FieldValueID > m.nextValue {
		m.nextValue = v.FieldValueID
	}
	if v.FieldValueSetID > m.nextSet {
		m.nextSet = v.FieldValueSetID
	}
}
