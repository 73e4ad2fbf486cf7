// Package config is the Config Store: a
// read-mostly, atomically-swappable snapshot of routing rules, model roles,
// the MCP server catalog, budgets, and feature flags. Mutations are whole
// snapshot replacements, never in-place edits.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/router-core/pkg/core"
)

// Env holds the process-level settings loaded once at startup from the
// environment by LoadEnv. These are not part of the
// hot-reloadable snapshot: they govern process identity, not routing.
type Env struct {
	Port           int
	RunnerPort     int
	Version        string
	AuthToken      string
	FSRoot         string
	MaxReadBytes   int64
	MaxToolSteps   int
	MaxConcurrency int
	GatewayBase    string
	RunnerBase     string
	ConfigFilePath string
	Telemetry      TelemetryConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LoadEnv reads process settings from the environment with sensible
// defaults, through the envStr/envInt/envBool helpers.
func LoadEnv() *Env {
	return &Env{
		Port: envInt("ROUTER_PORT", 8080),
		RunnerPort: envInt("ROUTER_RUNNER_PORT", 8090),
		Version: envStr("ROUTER_VERSION", "0.1.0"),
		AuthToken: envStr("ROUTER_AUTH_TOKEN", ""),
		FSRoot: envStr("AGENT_FS_ROOT", "./agent-fs"),
		MaxReadBytes: int64(envInt("AGENT_MAX_READ_BYTES", 1<<20)),
		MaxToolSteps: envInt("AGENT_MAX_TOOL_STEPS", 10),
		MaxConcurrency: envInt("ROUTER_MAX_CONCURRENCY", 64),
		GatewayBase: envStr("GATEWAY_BASE", "http://localhost:8080"),
		RunnerBase: envStr("ROUTER_RUNNER_BASE", "http://localhost:8090"),
		ConfigFilePath: envStr("ROUTER_CONFIG_FILE", "./router.yaml"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "router-core"),
		},
	}
}

// Snapshot is the immutable, hot-reloadable view of routing configuration.
// Every field is read-only once published; callers that need to change
// something build a new Snapshot and swap it in via Store.Swap.
type Snapshot struct {
	Version            int64 // monotonically increasing, bumped on every swap
	MCPServers         []core.MCPServerConfig
	Providers          []core.ProviderConfig
	DefaultModel       string
	LocalFallbackModel string
	QualityTierDefault core.QualityTier
	Budget             BudgetRule
	Maitred            MaitredRule
	FeatureFlags       map[string]bool
}

// BudgetRule is the declarative portion of the Budget Ledger's configuration.
type BudgetRule struct {
	LimitUnits     float64 `yaml:"limit_units"`
	FailOpenPolicy bool    `yaml:"fail_open_policy"`
}

// MaitredRule is the declarative configuration for the Maître d'.
type MaitredRule struct {
	Mode                string        `yaml:"mode"` // aggressive | moderate | disabled
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	CapTools            int           `yaml:"cap_tools"`
	CoreServers         []string      `yaml:"core_servers"`
	JudgeModel          string        `yaml:"judge_model"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
}

// fileDoc is the on-disk YAML shape loaded from ROUTER_CONFIG_FILE.
type fileDoc struct {
	MCPServers         []core.MCPServerConfig `yaml:"mcp_servers"`
	Providers          []core.ProviderConfig  `yaml:"providers"`
	DefaultModel       string                 `yaml:"default_model"`
	LocalFallbackModel string                 `yaml:"local_fallback_model"`
	QualityTierDefault string                 `yaml:"quality_tier_default"`
	Budget             BudgetRule             `yaml:"budget"`
	Maitred            MaitredRule            `yaml:"maitred"`
	FeatureFlags       map[string]bool        `yaml:"feature_flags"`
}

// LoadSnapshotFromFile reads and parses a declarative YAML config file into
// a Snapshot. version is assigned by the caller (normally the Store).
func LoadSnapshotFromFile(path string, version int64) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	tier := core.TierBalanced
	if doc.QualityTierDefault != "" {
		tier = core.QualityTier(doc.QualityTierDefault)
	}
	if doc.Maitred.CapTools == 0 {
		doc.Maitred.CapTools = 6
	}
	if doc.Maitred.Mode == "" {
		doc.Maitred.Mode = "moderate"
	}
	if doc.Maitred.CacheTTL == 0 {
		doc.Maitred.CacheTTL = 5 * time.Minute
	}
	return &Snapshot{
		Version:            version,
		MCPServers:         doc.MCPServers,
		Providers:          doc.Providers,
		DefaultModel:       doc.DefaultModel,
		LocalFallbackModel: doc.LocalFallbackModel,
		QualityTierDefault: tier,
		Budget:             doc.Budget,
		Maitred:            doc.Maitred,
		FeatureFlags:       doc.FeatureFlags,
	}, nil
}

// Store holds the current Snapshot behind an atomic pointer. Reload is an
// atomic pointer swap; readers that captured a *Snapshot on request
// admission keep observing it until they drop the reference, even across a
// concurrent reload.
type Store struct {
	path string
	ptr  atomic.Pointer[Snapshot]
}

// NewStore constructs a Store and performs the initial load. If the file
// is missing, an empty-but-valid Snapshot is published instead of failing
// startup — the ambient env-based Gateway/Runner config still works with
// zero declared MCP servers or providers.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	snap, err := LoadSnapshotFromFile(path, 1)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("config file not found, starting with empty snapshot")
			snap = &Snapshot{Version: 1, FeatureFlags: map[string]bool{}}
		} else {
			return nil, err
		}
	}
	s.ptr.Store(snap)
	return s, nil
}

// Current returns the presently published Snapshot. Callers should capture
// this once at request admission and use that one reference for the
// lifetime of the request.
func (s *Store) Current() *Snapshot {
	return s.ptr.Load()
}

// Reload re-reads the backing file and atomically swaps in a new Snapshot
// with an incremented Version. Idempotent: reloading identical content
// produces a Snapshot equal in every field except Version.
func (s *Store) Reload() (*Snapshot, error) {
	prev := s.ptr.Load()
	next, err := LoadSnapshotFromFile(s.path, prev.Version+1)
	if err != nil {
		return nil, err
	}
	s.ptr.Store(next)
	log.Info().Int64("version", next.Version).Msg("config snapshot reloaded")
	return next, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
