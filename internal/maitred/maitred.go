// Package maitred is the Maître d' / Tool Selector: given
// (messages, catalog_snapshot, recall_hints), composes a compact menu of
// candidate MCP servers, asks a fast judge model to classify which servers
// the turn actually needs, and filters the Tool Catalog down to an
// effective tool set the Agent Loop advertises to the real model.
//
// Classification never fails the enclosing request: any judge failure
// degrades to the core-server-only set. Decisions are memoized by a hash
// of the normalized query and the catalog version.
package maitred

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/internal/toolcatalog"
	"github.com/agentoven/router-core/pkg/core"
)

// EventSink receives selector_failure and classification events for the
// Observability Bus.
type EventSink interface {
	RecordEvent(category string, severity string, payload map[string]any)
}

// Decision is the Maître d's output: the servers whose tools should be
// advertised this turn, a free-text recommended role for the scratch
// message, and the classifier's confidence in that recommendation.
type Decision struct {
	TargetServers   []string
	RecommendedRole string
	Confidence      float64
}

// judgeCall is the strict JSON shape the judge model is asked to emit.
type judgeCall struct {
	TargetServers   []string `json:"target_servers"`
	RecommendedRole string   `json:"recommended_role"`
	Confidence      float64  `json:"confidence"`
}

const judgePrompt = `You are a routing classifier. Given the conversation and the menu of ` +
	`available tool servers below, decide which servers this turn plausibly needs. ` +
	`Respond with ONLY a JSON object shaped exactly as ` +
	`{"target_servers": ["id",...], "recommended_role": "short phrase", "confidence": 0.0-1.0}. ` +
	`No prose, no markdown fences.`

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Selector is the Maître d'. One instance is owned by the Runner for the
// lifetime of the process.
type Selector struct {
	providers *providerrouter.Registry
	catalog   *toolcatalog.Catalog
	sink      EventSink

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Selector.
func New(providers *providerrouter.Registry, catalog *toolcatalog.Catalog, sink EventSink) *Selector {
	return &Selector{providers: providers, catalog: catalog, sink: sink, cache: make(map[string]cacheEntry)}
}

// coreServerIDs is the always-included set from the configured rule, union'd
// with the "fs" pseudo-server the built-in fs__* tools live under.
func coreServerIDs(rule config.MaitredRule) map[string]bool {
	out := map[string]bool{"fs": true}
	for _, s := range rule.CoreServers {
		out[s] = true
	}
	return out
}

// menu composes the compact one-line-per-server summary the judge model
// reads, plus any recall hints carried with the request.
func menu(snap *toolcatalog.Snapshot, recallHints []string) string {
	byServer := make(map[string]map[string]bool)
	for _, t := range snap.Tools {
		if byServer[t.Server] == nil {
			byServer[t.Server] = make(map[string]bool)
		}
		if t.CategoryTag != "" {
			byServer[t.Server][t.CategoryTag] = true
		}
	}
	servers := make([]string, 0, len(byServer))
	for s := range byServer {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	var sb strings.Builder
	for _, s := range servers {
		cats := make([]string, 0, len(byServer[s]))
		for c := range byServer[s] {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		sb.WriteString(fmt.Sprintf("- %s: %s\n", s, strings.Join(cats, ", ")))
	}
	if len(recallHints) > 0 {
		sb.WriteString("recall hints: " + strings.Join(recallHints, "; ") + "\n")
	}
	return sb.String()
}

func normalizeQuery(messages []core.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(strings.ToLower(strings.TrimSpace(m.Content)))
		sb.WriteString("|")
	}
	return sb.String()
}

func cacheKey(normalizedQuery string, catalogVersion int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", normalizedQuery, catalogVersion)))
	return fmt.Sprintf("%x", h[:16])
}

func allServers(snap *toolcatalog.Snapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range snap.Tools {
		if !seen[t.Server] {
			seen[t.Server] = true
			out = append(out, t.Server)
		}
	}
	return out
}

// Select runs the full Maître d' contract: menu composition, judge-model
// classification, clamping, and effective-tool-set filtering against the
// catalog snapshot captured when this call started. snap is the Config
// Store snapshot (for the Maître d' rule and to route the judge call
// through the Provider Registry); it is distinct from the Tool Catalog
// snapshot used for the tool menu and filtering. Never returns an error
// that should fail the enclosing request — on any classifier failure it
// degrades to the core-server-only set.
func (s *Selector) Select(ctx context.Context, snap *config.Snapshot, messages []core.Message, recallHints []string) ([]core.ToolDescriptor, Decision) {
	rule := snap.Maitred
	catalogSnap := s.catalog.Current()
	coreSet := coreServerIDs(rule)

	if rule.Mode == "disabled" || rule.Mode == "" {
		return catalogSnap.Tools, Decision{TargetServers: allServers(catalogSnap), RecommendedRole: "", Confidence: 1}
	}

	query := normalizeQuery(messages)
	key := cacheKey(query, catalogSnap.Version)
	if d, ok := s.cachedDecision(key); ok {
		return s.applyDecision(rule, catalogSnap, d, coreSet, query), d
	}

	decision, err := s.classify(ctx, snap, catalogSnap, messages, recallHints)
	if err != nil {
		if s.sink != nil {
			s.sink.RecordEvent("selector_failure", "warn", map[string]any{"error": err.Error()})
		}
		log.Warn().Err(err).Msg("maitred: classifier failed, falling back to core servers")
		decision = Decision{TargetServers: nil, RecommendedRole: "", Confidence: 0}
		return s.applyDecision(rule, catalogSnap, decision, coreSet, ""), decision
	}

	s.cacheDecision(key, decision, rule.CacheTTL)
	return s.applyDecision(rule, catalogSnap, decision, coreSet, query), decision
}

func (s *Selector) cachedDecision(key string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || time.Now().After(e.expires) {
		return Decision{}, false
	}
	return e.decision, true
}

func (s *Selector) cacheDecision(key string, d Decision, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{decision: d, expires: time.Now().Add(ttl)}
}

// classify issues the judge-model call with temperature 0 and first-token
// logprob requested.
func (s *Selector) classify(ctx context.Context, snap *config.Snapshot, catalogSnap *toolcatalog.Snapshot, messages []core.Message, recallHints []string) (Decision, error) {
	rule := snap.Maitred
	if rule.JudgeModel == "" {
		return Decision{}, fmt.Errorf("maitred: no judge_model configured")
	}

	prompt := judgePrompt + "\n\nMenu:\n" + menu(catalogSnap, recallHints)
	req := core.Request{
		ModelSpec: rule.JudgeModel,
		Messages: append([]core.Message{
			{Role: core.RoleSystem, Content: prompt},
		}, messages...),
	}
	zero := 0.0
	result, _, err := s.providers.Call(ctx, snap, req, providerrouter.Options{Temperature: &zero, WantLogprob: true})
	if err != nil {
		return Decision{}, fmt.Errorf("judge call: %w", err)
	}

	var jc judgeCall
	if err := json.Unmarshal([]byte(extractJSON(result.Content)), &jc); err != nil {
		return Decision{}, fmt.Errorf("judge response malformed: %w", err)
	}

	confidence := jc.Confidence
	if result.Logprob != nil {
		confidence = clamp01(math.Exp(*result.Logprob))
	}
	return Decision{TargetServers: jc.TargetServers, RecommendedRole: jc.RecommendedRole, Confidence: confidence}, nil
}

// applyDecision clamps target_servers to known servers, unions with the
// core set, and filters the catalog to the effective tool set.
// Aggressive mode trusts the classifier alone once its confidence clears
// the threshold; moderate mode additionally unions in servers whose tool
// categories match the query text, so a judge miss doesn't hide an
// obviously relevant server. Both are capped at CapTools.
func (s *Selector) applyDecision(rule config.MaitredRule, catalogSnap *toolcatalog.Snapshot, d Decision, coreServers map[string]bool, query string) []core.ToolDescriptor {
	known := make(map[string]bool)
	for _, srv := range allServers(catalogSnap) {
		known[srv] = true
	}

	effective := make(map[string]bool, len(coreServers))
	for srv := range coreServers {
		effective[srv] = true
	}

	switch rule.Mode {
	case "aggressive":
		if d.Confidence >= rule.ConfidenceThreshold {
			for _, srv := range d.TargetServers {
				if known[srv] {
					effective[srv] = true
				}
			}
		}
	default: // "moderate"
		for _, srv := range d.TargetServers {
			if known[srv] {
				effective[srv] = true
			}
		}
		for srv := range categoryMatches(catalogSnap, query) {
			effective[srv] = true
		}
	}

	tools := catalogSnap.ForServers(effective)
	capN := rule.CapTools
	if capN > 0 && len(tools) > capN {
		tools = tools[:capN]
	}
	return tools
}

// categoryMatches returns the servers whose tools carry a category tag
// that appears in the normalized query text.
func categoryMatches(catalogSnap *toolcatalog.Snapshot, query string) map[string]bool {
	out := make(map[string]bool)
	if query == "" {
		return out
	}
	for _, t := range catalogSnap.Tools {
		if t.CategoryTag == "" {
			continue
		}
		if strings.Contains(query, strings.ToLower(t.CategoryTag)) {
			out[t.Server] = true
		}
	}
	return out
}

func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
