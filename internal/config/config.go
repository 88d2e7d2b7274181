// Package config holds the in-memory typed view of the three documents the
// gateway loads once at boot: datalink profiles, the central policy
// profile, and client profiles. Configuration is immutable after Load
// returns, so no synchronization is required to read it afterward.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document, referencing the other three by path.
type Config struct {
	Gateway  GatewayConfig `yaml:"gateway"`
	DLMsFile string        `yaml:"dlms_file"`
	PolicyFile string      `yaml:"policy_file"`
	ClientsFile string     `yaml:"clients_file"`

	DLMs     []DLMConfig          `yaml:"-"`
	Policy   *PolicyDocument      `yaml:"-"`
	Clients  []ClientProfile      `yaml:"-"`
}

// GatewayConfig carries the gateway's own process-level settings.
type GatewayConfig struct {
	Name              string        `yaml:"name"`
	ControlListenAddr string        `yaml:"control_listen_addr"`
	AdminListenAddr   string        `yaml:"admin_listen_addr"`
	MetricsListenAddr string        `yaml:"metrics_listen_addr"`
	CDRBaseDir        string        `yaml:"cdr_base_dir"`
	CDRRetention      time.Duration `yaml:"cdr_retention"`
	SessionIdleMax    time.Duration `yaml:"session_idle_max"`
	AuthLifetime      time.Duration `yaml:"auth_lifetime"`
	AuthGrace         time.Duration `yaml:"auth_grace"`
	AircraftStateHost string        `yaml:"aircraft_state_host"`
	AircraftSyncPort  int           `yaml:"aircraft_sync_port"`
	AircraftAsyncPort int           `yaml:"aircraft_async_port"`
	LogLevel          string        `yaml:"log_level"`
	TrafficMapPath    string        `yaml:"traffic_map_path"`
	MeterInterval     time.Duration `yaml:"meter_interval"`
}

// DLMType enumerates the physical datalink technology behind a DLMConfig.
type DLMType string

const (
	DLMTypeSatellite DLMType = "satellite"
	DLMTypeCellular  DLMType = "cellular"
	DLMTypeHybrid    DLMType = "hybrid"
)

// CoverageEnvelope bounds the lat/lon/altitude box within which a DLM is
// declared usable. A nil envelope on a DLMConfig means "always in coverage".
type CoverageEnvelope struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
	MinAlt float64 `yaml:"min_alt"`
	MaxAlt float64 `yaml:"max_alt"`
}

// Contains reports whether the given position falls inside the envelope.
func (c *CoverageEnvelope) Contains(lat, lon, alt float64) bool {
	if c == nil {
		return true
	}
	return lat >= c.MinLat && lat <= c.MaxLat &&
		lon >= c.MinLon && lon <= c.MaxLon &&
		alt >= c.MinAlt && alt <= c.MaxAlt
}

// DLMConfig is one per physical datalink, immutable after load.
type DLMConfig struct {
	ID                string            `yaml:"id"`
	Type              DLMType           `yaml:"type"`
	ForwardBWKbps     uint32            `yaml:"forward_bw_kbps"`
	ReturnBWKbps      uint32            `yaml:"return_bw_kbps"`
	SupportedQoS      []uint8           `yaml:"supported_qos"`
	NominalLatencyMs  uint32            `yaml:"nominal_latency_ms"`
	NominalJitterMs   uint32            `yaml:"nominal_jitter_ms"`
	NominalLossPct    float64           `yaml:"nominal_loss_pct"`
	SecurityGrade     uint8             `yaml:"security_grade"`
	Coverage          *CoverageEnvelope `yaml:"coverage"`
	Endpoint          string            `yaml:"endpoint"` // local IPC endpoint path
	IfaceName         string            `yaml:"iface_name"`
	GatewayAddress    string            `yaml:"gateway_address"`
	RoutingTable      int               `yaml:"routing_table"`
	LoadBalanceWeight int               `yaml:"load_balance_weight"`
}

// SupportsQoS reports whether the DLM advertises the given QoS level.
func (d *DLMConfig) SupportsQoS(level uint8) bool {
	for _, q := range d.SupportedQoS {
		if q == level {
			return true
		}
	}
	return false
}

// TrafficClassDefinition classifies a PolicyRequest into a named class; the
// first definition whose predicates all match wins (§4.2 step 1).
type TrafficClassDefinition struct {
	ID                 string  `yaml:"id"`
	PriorityClass      *uint8  `yaml:"priority_class"`
	QoSLevel           *uint8  `yaml:"qos_level"`
	ProfileNamePattern string  `yaml:"profile_name_pattern"`
	Default            bool    `yaml:"default"`
}

// Matches reports whether the definition's enabled predicates all hold.
func (t *TrafficClassDefinition) Matches(priorityClass, qosLevel uint8, profileName string) bool {
	if t.PriorityClass != nil && *t.PriorityClass != priorityClass {
		return false
	}
	if t.QoSLevel != nil && *t.QoSLevel != qosLevel {
		return false
	}
	if t.ProfileNamePattern != "" && !MatchPattern(t.ProfileNamePattern, profileName) {
		return false
	}
	return true
}

// PathAction determines whether a PathPreference permits or forbids its
// target DLM.
type PathAction string

const (
	ActionPermit  PathAction = "permit"
	ActionProhibit PathAction = "prohibit"
)

// PathPreference is one ranked candidate link inside a PolicyRule.
type PathPreference struct {
	Ranking            int        `yaml:"ranking"`
	DLMID              string     `yaml:"dlm_id"`
	Action             PathAction `yaml:"action"`
	MaxLatencyMs       *uint32    `yaml:"max_latency_ms"`
	OnGroundOnly       bool       `yaml:"on_ground_only"`
	AirborneOnly       bool       `yaml:"airborne_only"`
	RequiredSecurity   uint8      `yaml:"required_security"`
}

// PolicyRule maps one traffic-class id to its ranked PathPreferences.
type PolicyRule struct {
	TrafficClassID string           `yaml:"traffic_class_id"`
	Paths          []PathPreference `yaml:"paths"`
}

// SwitchingPolicy is the global hysteresis configuration (§3, §4.2 step 5).
type SwitchingPolicy struct {
	MinDwellSeconds     uint32  `yaml:"min_dwell_seconds"`
	HysteresisPercent   float64 `yaml:"hysteresis_percent"`
}

// PolicyRuleSet groups PolicyRules under the flight phases they apply to.
type PolicyRuleSet struct {
	FlightPhases []string     `yaml:"flight_phases"`
	Rules        []PolicyRule `yaml:"rules"`
}

// RuleFor returns the PolicyRule for a traffic class, or nil.
func (s *PolicyRuleSet) RuleFor(trafficClassID string) *PolicyRule {
	for i := range s.Rules {
		if s.Rules[i].TrafficClassID == trafficClassID {
			return &s.Rules[i]
		}
	}
	return nil
}

// PolicyDocument is the full central policy profile document.
type PolicyDocument struct {
	TrafficClasses []TrafficClassDefinition `yaml:"traffic_classes"`
	RuleSets       []PolicyRuleSet          `yaml:"rule_sets"`
	Switching      SwitchingPolicy          `yaml:"switching"`
}

// RuleSetFor returns the rule set whose flight-phase set contains phase.
func (p *PolicyDocument) RuleSetFor(phase string) *PolicyRuleSet {
	for i := range p.RuleSets {
		for _, ph := range p.RuleSets[i].FlightPhases {
			if ph == phase {
				return &p.RuleSets[i]
			}
		}
	}
	return nil
}

// Classify walks TrafficClassDefinitions in order and returns the first
// match, falling back to the definition flagged default, else "best-effort".
func (p *PolicyDocument) Classify(priorityClass, qosLevel uint8, profileName string) string {
	var defaultID string
	for _, t := range p.TrafficClasses {
		if t.Default {
			defaultID = t.ID
		}
		if t.Matches(priorityClass, qosLevel, profileName) {
			return t.ID
		}
	}
	if defaultID != "" {
		return defaultID
	}
	return "best-effort"
}

// PriorityType distinguishes how a client's traffic competes for resources.
type PriorityType string

const (
	PriorityBlocking   PriorityType = "blocking"
	PriorityPreemption PriorityType = "preemption"
)

// BandwidthQuota holds the forward/return kbps caps for a client.
// A zero Max means unlimited (§8 boundary behaviors); a Guaranteed floor
// with Max=0 is still unlimited, Guaranteed is never a ceiling.
type BandwidthQuota struct {
	MaxForwardKbps       uint32 `yaml:"max_forward_kbps"`
	MaxReturnKbps        uint32 `yaml:"max_return_kbps"`
	GuaranteedForwardKbps uint32 `yaml:"guaranteed_forward_kbps"`
	GuaranteedReturnKbps  uint32 `yaml:"guaranteed_return_kbps"`
	DefaultRequestKbps   uint32 `yaml:"default_request_kbps"`
}

// QoSPolicy is the client's allowed QoS levels and priority handling.
type QoSPolicy struct {
	AllowedLevels []uint8      `yaml:"allowed_levels"`
	PriorityClass uint8        `yaml:"priority_class"` // 1-9
	PriorityType  PriorityType `yaml:"priority_type"`
}

// LinkPolicy is the client's allowed DLM set and multi-link behavior.
type LinkPolicy struct {
	AllowedDLMs     []string `yaml:"allowed_dlms"`
	PreferredDLM    string   `yaml:"preferred_dlm"`
	AllowMultiLink  bool     `yaml:"allow_multi_link"`
	MaxConcurrentLinks int   `yaml:"max_concurrent_links"`
}

// Allows reports whether dlmID is in the client's allowed set (empty set
// means all DLMs are allowed).
func (l *LinkPolicy) Allows(dlmID string) bool {
	if len(l.AllowedDLMs) == 0 {
		return true
	}
	for _, id := range l.AllowedDLMs {
		if id == dlmID {
			return true
		}
	}
	return false
}

// SessionPolicy governs how many sessions a client may hold and when.
type SessionPolicy struct {
	MaxConcurrentSessions  int           `yaml:"max_concurrent_sessions"`
	Timeout                time.Duration `yaml:"timeout"`
	AllowedFlightPhases    []string      `yaml:"allowed_flight_phases"`
	AllowedAltitudeRange   string        `yaml:"allowed_altitude_range"`
	AllowedAirports        string        `yaml:"allowed_airports"`
	StatusPermissions      map[uint8]bool `yaml:"status_permissions"`
	AllowDetailedStatus    bool          `yaml:"allow_detailed_status"`
	StatusRequestRateLimit time.Duration `yaml:"status_request_rate_limit"`
	AllowCDRControl        bool          `yaml:"allow_cdr_control"`
}

// PhaseAllowed reports whether phase is in the client's allowed flight
// phase set (an empty set allows every phase).
func (s *SessionPolicy) PhaseAllowed(phase string) bool {
	if len(s.AllowedFlightPhases) == 0 {
		return true
	}
	for _, p := range s.AllowedFlightPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// TrafficPolicy constrains the TFTs and protocols a client may install.
type TrafficPolicy struct {
	AllowedProtocols    []string `yaml:"allowed_protocols"`
	TFTWhitelist        []string `yaml:"tft_whitelist"` // CIDR patterns
	DestIPRange         string   `yaml:"dest_ip_range"`
	SrcPortRange        string   `yaml:"src_port_range"`
	DstPortRange        string   `yaml:"dst_port_range"`
	EncryptionRequired  bool     `yaml:"encryption_required"`
}

// LocationPolicy constrains where a client may operate.
type LocationPolicy struct {
	AllowedRegions         []string `yaml:"allowed_regions"`
	RequiredCoverageGrade  uint8    `yaml:"required_coverage_grade"`
}

// ClientProfile is one per known client identity.
type ClientProfile struct {
	Username             string `yaml:"username"`
	ClientSecret         string `yaml:"client_secret"`
	ExpectedServerSecret string `yaml:"expected_server_secret"`
	SourceIPPin          string `yaml:"source_ip_pin"`
	OriginHost           string `yaml:"origin_host"`

	Bandwidth BandwidthQuota `yaml:"bandwidth"`
	QoS       QoSPolicy      `yaml:"qos"`
	Link      LinkPolicy     `yaml:"link"`
	Session   SessionPolicy  `yaml:"session"`
	Traffic   TrafficPolicy  `yaml:"traffic"`
	Location  LocationPolicy `yaml:"location"`
}

// Load reads the root document and its three referenced files.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	dlmRaw, err := os.ReadFile(cfg.DLMsFile)
	if err != nil {
		return nil, fmt.Errorf("read dlms file %s: %w", cfg.DLMsFile, err)
	}
	var dlmDoc struct {
		DLMs []DLMConfig `yaml:"dlms"`
	}
	if err := yaml.Unmarshal(dlmRaw, &dlmDoc); err != nil {
		return nil, fmt.Errorf("parse dlms file %s: %w", cfg.DLMsFile, err)
	}
	cfg.DLMs = dlmDoc.DLMs

	policyRaw, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", cfg.PolicyFile, err)
	}
	var policy PolicyDocument
	if err := yaml.Unmarshal(policyRaw, &policy); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", cfg.PolicyFile, err)
	}
	cfg.Policy = &policy

	clientsRaw, err := os.ReadFile(cfg.ClientsFile)
	if err != nil {
		return nil, fmt.Errorf("read clients file %s: %w", cfg.ClientsFile, err)
	}
	var clientDoc struct {
		Clients []ClientProfile `yaml:"clients"`
	}
	if err := yaml.Unmarshal(clientsRaw, &clientDoc); err != nil {
		return nil, fmt.Errorf("parse clients file %s: %w", cfg.ClientsFile, err)
	}
	cfg.Clients = clientDoc.Clients

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs minimal sanity checks; a boot-time configuration error
// is the one class of error allowed to abort the process (spec §7).
func (c *Config) Validate() error {
	if c.Gateway.ControlListenAddr == "" {
		return fmt.Errorf("gateway.control_listen_addr is required")
	}
	if len(c.DLMs) == 0 {
		return fmt.Errorf("at least one DLM must be configured")
	}
	seen := make(map[string]bool, len(c.DLMs))
	for _, d := range c.DLMs {
		if d.ID == "" {
			return fmt.Errorf("dlm with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate dlm id %q", d.ID)
		}
		seen[d.ID] = true
	}
	if c.Policy == nil {
		return fmt.Errorf("policy document is required")
	}
	return nil
}

// ClientByUsername resolves a profile by username.
func (c *Config) ClientByUsername(username string) *ClientProfile {
	for i := range c.Clients {
		if c.Clients[i].Username == username {
			return &c.Clients[i]
		}
	}
	return nil
}

// ClientByOriginHost resolves a profile by origin-host, used as the CAR
// fallback when no username is supplied (§4.8 step 2).
func (c *Config) ClientByOriginHost(originHost string) *ClientProfile {
	for i := range c.Clients {
		if c.Clients[i].OriginHost == originHost {
			return &c.Clients[i]
		}
	}
	return nil
}

// DLMByID resolves a DLM configuration by id.
func (c *Config) DLMByID(id string) *DLMConfig {
	for i := range c.DLMs {
		if c.DLMs[i].ID == id {
			return &c.DLMs[i]
		}
	}
	return nil
}

// DefaultConfig returns sane defaults for the ambient gateway settings.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Name:              "magic-gw-1",
			ControlListenAddr: "0.0.0.0:3868",
			AdminListenAddr:   "127.0.0.1:8090",
			MetricsListenAddr: "127.0.0.1:9096",
			CDRBaseDir:        "/var/lib/magic/cdr",
			CDRRetention:      24 * time.Hour,
			SessionIdleMax:    3600 * time.Second,
			AuthLifetime:      3600 * time.Second,
			AuthGrace:         300 * time.Second,
			AircraftSyncPort:  9100,
			AircraftAsyncPort: 9101,
			LogLevel:          "info",
			TrafficMapPath:    "/sys/fs/bpf/magic/traffic_counters",
			MeterInterval:     5 * time.Second,
		},
	}
}
