// Package fleetcfg loads the declarative fleet topology: environments,
// hosts, and the repositories their configurations are evaluated from.
// The snapshot is loaded once at process start and never mutated; components
// receive it explicitly rather than reading configuration ambiently.
package fleetcfg

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ComplianceLevel orders environments by how strictly their hosts are held
// to the current target configuration.
type ComplianceLevel int

const (
	ComplianceNone ComplianceLevel = iota
	ComplianceBasic
	ComplianceStandard
	ComplianceStrict
)

var complianceNames = map[string]ComplianceLevel{
	"none":     ComplianceNone,
	"basic":    ComplianceBasic,
	"standard": ComplianceStandard,
	"strict":   ComplianceStrict,
}

// ParseComplianceLevel maps a configuration string onto the ordered enum.
func ParseComplianceLevel(s string) (ComplianceLevel, error) {
	level, ok := complianceNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return ComplianceNone, fmt.Errorf("unknown compliance level %q", s)
	}
	return level, nil
}

func (l ComplianceLevel) String() string {
	for name, level := range complianceNames {
		if level == l {
			return name
		}
	}
	return "none"
}

// Environment groups hosts that share one target artifact at a time.
type Environment struct {
	Name            string
	RiskProfile     string
	ComplianceLevel ComplianceLevel
}

// Host is a managed machine. Identity (hostname, key) is immutable;
// environment and flake assignment may change between snapshots.
type Host struct {
	Hostname    string
	PublicKey   string // base64-encoded Ed25519 public key
	Environment string
	Flake       string
}

// Repository is a watched source location ("flake") plus its polling policy.
type Repository struct {
	Name         string
	URL          string
	AutoPoll     bool
	PollInterval time.Duration
}

// Snapshot is the immutable fleet configuration view.
type Snapshot struct {
	Environments []Environment
	Hosts        []Host
	Repositories []Repository

	hostsByName map[string]Host
	envsByName  map[string]Environment
	reposByName map[string]Repository
}

type fileFormat struct {
	Environments []struct {
		Name            string `yaml:"name"`
		RiskProfile     string `yaml:"risk_profile"`
		ComplianceLevel string `yaml:"compliance_level"`
	} `yaml:"environments"`
	Hosts []struct {
		Hostname    string `yaml:"hostname"`
		PublicKey   string `yaml:"public_key"`
		Environment string `yaml:"environment"`
		Flake       string `yaml:"flake"`
	} `yaml:"hosts"`
	Repositories []struct {
		Name         string        `yaml:"name"`
		URL          string        `yaml:"url"`
		AutoPoll     bool          `yaml:"auto_poll"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"repositories"`
}

const defaultPollInterval = 5 * time.Minute

// Load reads and validates a fleet configuration file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet config: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML fleet configuration.
func Parse(data []byte) (*Snapshot, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse fleet config: %w", err)
	}

	snap := &Snapshot{
		hostsByName: make(map[string]Host),
		envsByName:  make(map[string]Environment),
		reposByName: make(map[string]Repository),
	}

	for _, e := range raw.Environments {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, errors.New("environment with empty name")
		}
		if _, dup := snap.envsByName[name]; dup {
			return nil, fmt.Errorf("duplicate environment %q", name)
		}
		level, err := ParseComplianceLevel(e.ComplianceLevel)
		if err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
		env := Environment{Name: name, RiskProfile: e.RiskProfile, ComplianceLevel: level}
		snap.envsByName[name] = env
		snap.Environments = append(snap.Environments, env)
	}

	for _, r := range raw.Repositories {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, errors.New("repository with empty name")
		}
		if _, dup := snap.reposByName[name]; dup {
			return nil, fmt.Errorf("duplicate repository %q", name)
		}
		if strings.TrimSpace(r.URL) == "" {
			return nil, fmt.Errorf("repository %q: url is required", name)
		}
		interval := r.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		repo := Repository{Name: name, URL: r.URL, AutoPoll: r.AutoPoll, PollInterval: interval}
		snap.reposByName[name] = repo
		snap.Repositories = append(snap.Repositories, repo)
	}

	for _, h := range raw.Hosts {
		hostname := strings.TrimSpace(h.Hostname)
		if hostname == "" {
			return nil, errors.New("host with empty hostname")
		}
		if _, dup := snap.hostsByName[hostname]; dup {
			return nil, fmt.Errorf("duplicate host %q", hostname)
		}
		key := strings.TrimSpace(h.PublicKey)
		if key == "" {
			return nil, fmt.Errorf("host %q: public_key is required", hostname)
		}
		if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("host %q: public_key must be a base64 Ed25519 key", hostname)
		}
		if _, ok := snap.envsByName[h.Environment]; !ok {
			return nil, fmt.Errorf("host %q references unknown environment %q", hostname, h.Environment)
		}
		if _, ok := snap.reposByName[h.Flake]; !ok {
			return nil, fmt.Errorf("host %q references unknown flake %q", hostname, h.Flake)
		}
		host := Host{Hostname: hostname, PublicKey: key, Environment: h.Environment, Flake: h.Flake}
		snap.hostsByName[hostname] = host
		snap.Hosts = append(snap.Hosts, host)
	}

	return snap, nil
}

// Host looks up a host by hostname.
func (s *Snapshot) Host(hostname string) (Host, bool) {
	h, ok := s.hostsByName[hostname]
	return h, ok
}

// Environment looks up an environment by name.
func (s *Snapshot) Environment(name string) (Environment, bool) {
	e, ok := s.envsByName[name]
	return e, ok
}

// Repository looks up a watched repository by name.
func (s *Snapshot) Repository(name string) (Repository, bool) {
	r, ok := s.reposByName[name]
	return r, ok
}

// EnvironmentsForFlake returns the names of every environment with at least
// one host tracking the given repository. The poller uses this to decide
// which environments a new commit must be evaluated for.
func (s *Snapshot) EnvironmentsForFlake(flake string) []string {
	seen := make(map[string]bool)
	var envs []string
	for _, h := range s.Hosts {
		if h.Flake != flake || seen[h.Environment] {
			continue
		}
		seen[h.Environment] = true
		envs = append(envs, h.Environment)
	}
	return envs
}

// HostsInEnvironment returns all hosts assigned to the environment.
func (s *Snapshot) HostsInEnvironment(env string) []Host {
	var hosts []Host
	for _, h := range s.Hosts {
		if h.Environment == env {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
