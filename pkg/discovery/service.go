package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/events"
	"github.com/morezero/module-comms/pkg/modules"
	"github.com/morezero/module-comms/pkg/semver"
)

const logPrefix = "discovery:service"

type entry struct {
	capability   Capability
	revision     int64
	advertisedAt time.Time
}

// Service holds the advertised capabilities and negotiated contracts.
type Service struct {
	modules   modules.Registry
	publisher events.EventPublisher

	mu        sync.RWMutex
	byModule  map[string]map[string]*entry
	contracts map[string]Contract
	revision  int64
}

// NewServiceParams holds parameters for NewService.
type NewServiceParams struct {
	// Modules gates discovery and negotiation on module status. When nil every
	// advertising module is treated as active.
	Modules   modules.Registry
	Publisher events.EventPublisher
}

// NewService creates a discovery service.
func NewService(params NewServiceParams) *Service {
	pub := params.Publisher
	if pub == nil {
		pub = events.NoOpPublisher{}
	}
	return &Service{
		modules:   params.Modules,
		publisher: pub,
		byModule:  make(map[string]map[string]*entry),
		contracts: make(map[string]Contract),
	}
}

func (s *Service) moduleActive(moduleID string) bool {
	if s.modules == nil {
		return true
	}
	info, ok := s.modules.Get(moduleID)
	return ok && info.Active()
}

func (s *Service) requireActive(moduleID string) error {
	if s.modules == nil {
		return nil
	}
	_, err := modules.RequireActive(s.modules, moduleID)
	return err
}

func cloneCapability(c Capability) Capability {
	c.RequiredPermissions = append([]string(nil), c.RequiredPermissions...)
	c.Tags = append([]string(nil), c.Tags...)
	return c
}

// Advertise registers or updates a capability for moduleID. Advertising
// identical content again changes nothing and emits no event. It reports
// whether the advertised set changed.
func (s *Service) Advertise(ctx context.Context, moduleID string, c Capability) (bool, error) {
	if moduleID == "" {
		return false, commserr.InvalidArgument("module id is required")
	}
	if c.ID == "" {
		return false, commserr.InvalidArgument("capability id is required")
	}
	if !semver.Valid(c.Version) {
		return false, commserr.InvalidArgument("capability %s has invalid version %q", c.ID, c.Version)
	}
	c = cloneCapability(c)

	s.mu.Lock()
	caps, ok := s.byModule[moduleID]
	if !ok {
		caps = make(map[string]*entry)
		s.byModule[moduleID] = caps
	}
	change := events.ChangeAdvertised
	if prev, exists := caps[c.ID]; exists {
		if reflect.DeepEqual(prev.capability, c) {
			s.mu.Unlock()
			return false, nil
		}
		change = events.ChangeUpdated
	}
	s.revision++
	rev := s.revision
	caps[c.ID] = &entry{capability: c, revision: rev, advertisedAt: time.Now().UTC()}
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s %s capability %s@%s", logPrefix, moduleID, change, c.ID, c.Version))
	s.publish(ctx, moduleID, c, change, rev)
	return true, nil
}

// RemoveCapability retracts a capability. It reports whether it was advertised.
func (s *Service) RemoveCapability(ctx context.Context, moduleID, capabilityID string) bool {
	s.mu.Lock()
	caps := s.byModule[moduleID]
	e, ok := caps[capabilityID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(caps, capabilityID)
	if len(caps) == 0 {
		delete(s.byModule, moduleID)
	}
	s.revision++
	rev := s.revision
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s removed capability %s", logPrefix, moduleID, capabilityID))
	removed := e.capability
	removed.Available = false
	s.publish(ctx, moduleID, removed, events.ChangeRemoved, rev)
	return true
}

// RemoveModule retracts every capability of moduleID and returns how many there were.
func (s *Service) RemoveModule(ctx context.Context, moduleID string) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byModule[moduleID]))
	for id := range s.byModule[moduleID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		if s.RemoveCapability(ctx, moduleID, id) {
			n++
		}
	}
	return n
}

func (s *Service) publish(ctx context.Context, moduleID string, c Capability, change string, rev int64) {
	err := s.publisher.PublishCapabilityChanged(ctx, &events.CapabilityChangedEvent{
		ModuleID:     moduleID,
		CapabilityID: c.ID,
		Name:         c.Name,
		Version:      c.Version,
		Change:       change,
		Available:    c.Available,
		Revision:     rev,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to publish %s event for %s.%s: %v", logPrefix, change, moduleID, c.ID, err))
	}
}

// Capabilities lists what moduleID advertises, sorted by id.
func (s *Service) Capabilities(moduleID string) []Capability {
	s.mu.RLock()
	out := make([]Capability, 0, len(s.byModule[moduleID]))
	for _, e := range s.byModule[moduleID] {
		out = append(out, cloneCapability(e.capability))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capability returns one advertised capability.
func (s *Service) Capability(moduleID, capabilityID string) (Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byModule[moduleID][capabilityID]
	if !ok {
		return Capability{}, false
	}
	return cloneCapability(e.capability), true
}

// DiscoverModules returns capabilities of active modules matching q, best first.
func (s *Service) DiscoverModules(_ context.Context, q Query) ([]Match, error) {
	if !semver.ValidRange(q.VersionRange) {
		return nil, commserr.InvalidArgument("invalid version range %q", q.VersionRange)
	}
	excluded := make(map[string]bool, len(q.ExcludeModules))
	for _, m := range q.ExcludeModules {
		excluded[m] = true
	}

	type candidate struct {
		moduleID string
		cap      Capability
	}
	var candidates []candidate
	s.mu.RLock()
	for moduleID, caps := range s.byModule {
		if excluded[moduleID] {
			continue
		}
		for _, e := range caps {
			candidates = append(candidates, candidate{moduleID, cloneCapability(e.capability)})
		}
	}
	s.mu.RUnlock()

	var out []Match
	for _, c := range candidates {
		if !s.moduleActive(c.moduleID) {
			continue
		}
		if !c.cap.Available && !q.IncludeUnavailable {
			continue
		}
		if q.CapabilityID != "" && c.cap.ID != q.CapabilityID {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, c.cap.Type) {
			continue
		}
		matchedTags := countTags(c.cap.Tags, q.Tags)
		if len(q.Tags) > 0 && matchedTags == 0 {
			continue
		}
		if q.VersionRange != "" && !semver.SatisfiesRange(c.cap.Version, q.VersionRange) {
			continue
		}
		out = append(out, Match{
			ModuleID:   c.moduleID,
			Capability: c.cap,
			Score:      score(c.cap, matchedTags),
			Ref:        semver.BuildCapabilityRef(semver.BuildCapabilityRefParams{Module: c.moduleID, Capability: c.cap.ID, Range: c.cap.Version}),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if cmp := semver.Compare(a.Capability.Version, b.Capability.Version); cmp != 0 {
			return cmp > 0
		}
		if a.ModuleID != b.ModuleID {
			return a.ModuleID < b.ModuleID
		}
		return a.Capability.ID < b.Capability.ID
	})
	if q.MaxResults > 0 && len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out, nil
}

// score ranks a capability: tag overlap first, then reliability and latency.
func score(c Capability, matchedTags int) float64 {
	s := float64(matchedTags)
	errRate := c.Performance.ErrorRate
	if errRate < 0 {
		errRate = 0
	} else if errRate > 1 {
		errRate = 1
	}
	s += 0.5 * (1 - errRate)
	if c.Performance.AvgLatencyMs > 0 {
		s += 0.25 / (1 + c.Performance.AvgLatencyMs/100)
	} else {
		s += 0.125
	}
	if !c.Available {
		s -= 10
	}
	return s
}

func containsType(types []CapabilityType, t CapabilityType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func countTags(have, want []string) int {
	n := 0
	for _, w := range want {
		for _, h := range have {
			if h == w {
				n++
				break
			}
		}
	}
	return n
}

// ResolveCapability picks the best provider for a reference such as
// "analytics.report.generate@^1.2" or "*.report.generate@1".
func (s *Service) ResolveCapability(ctx context.Context, ref string) (Match, error) {
	parsed, err := semver.ParseCapabilityRef(ref)
	if err != nil {
		return Match{}, commserr.InvalidArgument("%v", err)
	}
	matches, err := s.DiscoverModules(ctx, Query{CapabilityID: parsed.Capability})
	if err != nil {
		return Match{}, err
	}

	byKey := make(map[string]Match)
	var candidates []semver.Candidate
	for _, m := range matches {
		if parsed.Module != "" && m.ModuleID != parsed.Module {
			continue
		}
		byKey[m.ModuleID] = m
		candidates = append(candidates, semver.Candidate{Key: m.ModuleID, Version: m.Capability.Version, Available: true})
	}
	best := semver.ResolveVersion(semver.ResolveVersionParams{Candidates: candidates, Range: parsed.Range})
	if best == nil {
		return Match{}, commserr.NotFound("no active provider satisfies %s", ref)
	}
	return byKey[best.Key], nil
}

// NegotiateCapability checks that provider's capability covers the
// consumer's schemas and version, then records a contract.
func (s *Service) NegotiateCapability(_ context.Context, consumer, provider string, req Requirements) (Contract, error) {
	if err := s.requireActive(consumer); err != nil {
		return Contract{}, err
	}
	if err := s.requireActive(provider); err != nil {
		return Contract{}, err
	}

	c, ok := s.Capability(provider, req.CapabilityID)
	if !ok {
		return Contract{}, commserr.NotFound("module %q does not advertise capability %q", provider, req.CapabilityID)
	}
	if !c.Available {
		return Contract{}, commserr.Configuration("capability %s of %s is unavailable", c.ID, provider)
	}

	compat := semver.Compatible
	if req.Version != "" {
		var err error
		compat, err = semver.Classify(c.Version, req.Version)
		if err != nil {
			return Contract{}, commserr.InvalidArgument("%v", err)
		}
		if !compat.Acceptable() {
			return Contract{}, commserr.Newf(commserr.CodeVersionIncompatible,
				"%s@%s of %s is incompatible with required %s", c.ID, c.Version, provider, req.Version).
				WithDetails(map[string]interface{}{
					"classification":  string(compat),
					"providerVersion": c.Version,
					"requiredVersion": req.Version,
				})
		}
	}

	missingIn := missingFields(c.InputSchema, req.InputSchema)
	missingOut := missingFields(c.OutputSchema, req.OutputSchema)
	if len(missingIn) > 0 || len(missingOut) > 0 {
		return Contract{}, commserr.Newf(commserr.CodeVersionIncompatible,
			"%s of %s does not cover the required schema", c.ID, provider).
			WithDetails(map[string]interface{}{
				"classification": "schema_mismatch",
				"missingInput":   missingIn,
				"missingOutput":  missingOut,
			})
	}
	if absent := s.absentCapabilities(provider, req.RequiredCapabilities); len(absent) > 0 {
		return Contract{}, commserr.Configuration("module %s lacks required capabilities %v", provider, absent)
	}

	contract := Contract{
		ID:             uuid.NewString(),
		Type:           c.Type,
		Version:        c.Version,
		ProviderModule: provider,
		ConsumerModule: consumer,
		Compatibility:  compat,
		Specification: Specification{
			CapabilityID:         c.ID,
			InputSchema:          c.InputSchema,
			OutputSchema:         c.OutputSchema,
			RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
		},
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.contracts[contract.ID] = contract
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Contract %s: %s -> %s %s@%s (%s)",
		logPrefix, contract.ID, consumer, provider, c.ID, c.Version, compat))
	return contract, nil
}

func (s *Service) absentCapabilities(provider string, required []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var absent []string
	for _, id := range required {
		e, ok := s.byModule[provider][id]
		if !ok || !e.capability.Available {
			absent = append(absent, id)
		}
	}
	return absent
}

// ValidateContract checks that a contract still holds: both modules active,
// the capability still advertised at a compatible version, and every required
// capability still present.
func (s *Service) ValidateContract(_ context.Context, contractID string) error {
	s.mu.RLock()
	contract, ok := s.contracts[contractID]
	s.mu.RUnlock()
	if !ok {
		return commserr.NotFound("contract %q not found", contractID)
	}
	if err := s.requireActive(contract.ConsumerModule); err != nil {
		return err
	}
	if err := s.requireActive(contract.ProviderModule); err != nil {
		return err
	}

	c, ok := s.Capability(contract.ProviderModule, contract.Specification.CapabilityID)
	if !ok || !c.Available {
		return commserr.Configuration("capability %s of %s is no longer available",
			contract.Specification.CapabilityID, contract.ProviderModule)
	}
	compat, err := semver.Classify(c.Version, contract.Version)
	if err != nil || !compat.Acceptable() {
		return commserr.Newf(commserr.CodeVersionIncompatible,
			"%s moved from %s to %s", c.ID, contract.Version, c.Version).
			WithDetails(map[string]interface{}{"classification": string(compat)})
	}
	if absent := s.absentCapabilities(contract.ProviderModule, contract.Specification.RequiredCapabilities); len(absent) > 0 {
		return commserr.Configuration("module %s lacks required capabilities %v", contract.ProviderModule, absent)
	}
	return nil
}

// Contract returns a contract by id.
func (s *Service) Contract(contractID string) (Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractID]
	return c, ok
}

// ListContracts returns contracts matching f, oldest first.
func (s *Service) ListContracts(f ContractFilter) []Contract {
	s.mu.RLock()
	var out []Contract
	for _, c := range s.contracts {
		if f.ModuleID != "" && c.ConsumerModule != f.ModuleID && c.ProviderModule != f.ModuleID {
			continue
		}
		if f.CapabilityID != "" && c.Specification.CapabilityID != f.CapabilityID {
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RevokeContract deletes a contract. It reports whether it existed.
func (s *Service) RevokeContract(contractID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[contractID]; !ok {
		return false
	}
	delete(s.contracts, contractID)
	slog.Info(fmt.Sprintf("%s - Revoked contract %s", logPrefix, contractID))
	return true
}

// Stats is a point-in-time view of the discovery registry.
type Stats struct {
	Modules      int   `json:"modules"`
	Capabilities int   `json:"capabilities"`
	Contracts    int   `json:"contracts"`
	Revision     int64 `json:"revision"`
}

// Stats returns registry counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps := 0
	for _, m := range s.byModule {
		caps += len(m)
	}
	return Stats{Modules: len(s.byModule), Capabilities: caps, Contracts: len(s.contracts), Revision: s.revision}
}
