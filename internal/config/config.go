package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models nightshift.yml.
type Config struct {
	Freshdesk  FreshdeskConfig  `yaml:"freshdesk" json:"freshdesk"`
	Timezone   string           `yaml:"timezone" json:"timezone"`
	Schedule   string           `yaml:"schedule" json:"schedule"`
	Groups     []GroupConfig    `yaml:"groups" json:"groups"`
	Statuses   StatusConfig     `yaml:"statuses" json:"statuses"`
	Assignment AssignmentConfig `yaml:"assignment" json:"assignment"`
	Reversion  ReversionConfig  `yaml:"reversion" json:"reversion"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
}

type FreshdeskConfig struct {
	Domain        string        `yaml:"domain" json:"domain"`
	APIKey        string        `yaml:"api_key" json:"-"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	RateLimitWait time.Duration `yaml:"rate_limit_wait" json:"rate_limit_wait"`
	ErrorBackoff  time.Duration `yaml:"error_backoff" json:"error_backoff"`
	LowWaterMark  int           `yaml:"low_water_mark" json:"low_water_mark"`
	ThrottleDelay time.Duration `yaml:"throttle_delay" json:"throttle_delay"`
}

type GroupConfig struct {
	ID   int64  `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type StatusConfig struct {
	Open             int `yaml:"open" json:"open"`
	Triage           int `yaml:"triage" json:"triage"`
	FollowUpRequired int `yaml:"follow_up_required" json:"follow_up_required"`
}

type AssignmentConfig struct {
	Tag                   string `yaml:"tag" json:"tag"`
	RandomizeStart        bool   `yaml:"randomize_start" json:"randomize_start"`
	PersistEachAssignment bool   `yaml:"persist_each_assignment" json:"persist_each_assignment"`
	SkipHolidays          bool   `yaml:"skip_holidays" json:"skip_holidays"`
}

type ReversionConfig struct {
	DefaultPreviousStatus string         `yaml:"default_previous_status" json:"default_previous_status"`
	Targets               map[string]int `yaml:"targets" json:"targets"`
	Note                  string         `yaml:"note" json:"note"`
	Pacing                time.Duration  `yaml:"pacing" json:"pacing"`
}

type StorageConfig struct {
	Driver string      `yaml:"driver" json:"driver"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// MonitoredGroups is the fixed number of groups the policies apply to.
const MonitoredGroups = 6

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with nightshift config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Freshdesk.Domain) == "" {
		return fmt.Errorf("config.freshdesk.domain is required")
	}
	if c.Freshdesk.MaxAttempts < 1 {
		return fmt.Errorf("config.freshdesk.max_attempts must be at least 1")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone %q is invalid: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("config.schedule %q is invalid: %w", c.Schedule, err)
	}
	if len(c.Groups) != MonitoredGroups {
		return fmt.Errorf("config.groups must list exactly %d groups, got %d", MonitoredGroups, len(c.Groups))
	}
	seen := make(map[int64]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.ID <= 0 {
			return fmt.Errorf("group %q has invalid id %d", g.Name, g.ID)
		}
		if seen[g.ID] {
			return fmt.Errorf("group id %d listed twice", g.ID)
		}
		seen[g.ID] = true
	}
	if c.Statuses.Open == 0 || c.Statuses.Triage == 0 || c.Statuses.FollowUpRequired == 0 {
		return fmt.Errorf("config.statuses.open, triage and follow_up_required are required")
	}
	if c.Reversion.DefaultPreviousStatus == "" {
		return fmt.Errorf("config.reversion.default_previous_status is required")
	}
	if _, ok := c.Reversion.Targets[c.Reversion.DefaultPreviousStatus]; !ok {
		return fmt.Errorf("reversion target for default status %q not defined", c.Reversion.DefaultPreviousStatus)
	}
	if !validNote(c.Reversion.Note) {
		return fmt.Errorf("config.reversion.note must contain exactly one %%s and no other verbs")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("config.storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or redis")
	}
	return nil
}

// validNote reports whether note is empty or formats one string argument.
func validNote(note string) bool {
	if note == "" {
		return true
	}
	rest := strings.ReplaceAll(note, "%%", "")
	return strings.Count(rest, "%") == 1 && strings.Count(rest, "%s") == 1
}

// Location returns the home time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GroupIDs returns the monitored group ids in configuration order.
func (c *Config) GroupIDs() []int64 {
	ids := make([]int64, 0, len(c.Groups))
	for _, g := range c.Groups {
		ids = append(ids, g.ID)
	}
	return ids
}

// GroupName returns the configured name for a monitored group.
func (c *Config) GroupName(id int64) (string, bool) {
	for _, g := range c.Groups {
		if g.ID == id {
			return g.Name, true
		}
	}
	return "", false
}

// StatusName returns a display name for a status code, falling back to the
// number for codes nightshift does not manage.
func (c *Config) StatusName(code int) string {
	switch code {
	case c.Statuses.Open:
		return "Open"
	case c.Statuses.Triage:
		return "Triage"
	case c.Statuses.FollowUpRequired:
		return "Follow-up Required"
	}
	for name, v := range c.Reversion.Targets {
		if v == code {
			return name
		}
	}
	return strconv.Itoa(code)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "nightshift.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(domain string) string {
	return fmt.Sprintf(defaultTemplate, domain)
}

// Default returns the default Config struct for a Freshdesk domain.
func Default(domain string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(domain)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing keys keep the values of the default template.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Reversion.Targets = nil
	cfg.Groups = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Reversion.Targets == nil {
		cfg.Reversion.Targets = Default("").Reversion.Targets
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `freshdesk:
  domain: %s
  timeout: 30s
  max_attempts: 3
  rate_limit_wait: 10s
  error_backoff: 2s
  low_water_mark: 50
  throttle_delay: 5s

timezone: America/New_York
schedule: "*/30 * * * *"

# Exactly six monitored groups. Tickets in any other group are left untouched.
groups:
  - {id: 1001, name: "Tier 1 Support"}
  - {id: 1002, name: "Tier 2 Support"}
  - {id: 1003, name: "Implementation"}
  - {id: 1004, name: "Platform Support"}
  - {id: 1005, name: "Assessment Support"}
  - {id: 1006, name: "Billing Support"}

statuses:
  open: 2
  triage: 40
  follow_up_required: 38

assignment:
  tag: overnight
  randomize_start: true
  persist_each_assignment: false
  skip_holidays: false

reversion:
  default_previous_status: Waiting on Customer
  targets:
    Waiting on Customer: 6
    Awaiting Internal Review: 36
    Pending: 3
  note: "This ticket was automatically moved to Follow-up Required over the weekend. Its status has been restored to %%s."
  pacing: 1s

storage:
  driver: sqlite
  redis:
    addr: 127.0.0.1:6379
    db: 0
    prefix: "nightshift:"
`
