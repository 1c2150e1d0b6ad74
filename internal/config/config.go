package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deviationsync/internal/domain"
)

// Config models dsync.yml.
type Config struct {
	Sheet struct {
		Name          string   `yaml:"name"`
		StatusOptions []string `yaml:"status_options"`
	} `yaml:"sheet"`
	Source struct {
		Kind                 string `yaml:"kind"`
		Driver               string `yaml:"driver"`
		DSN                  string `yaml:"dsn"`
		File                 string `yaml:"file"`
		RecordsQuery         string `yaml:"records_query"`
		HistoryQuery         string `yaml:"history_query"`
		HistoryFallbackQuery string `yaml:"history_fallback_query"`
		HistoryConcurrency   int    `yaml:"history_concurrency"`
	} `yaml:"source"`
	Templates []domain.SubtaskTemplate `yaml:"templates"`
	Cutover   struct {
		Date          string `yaml:"date"`
		BeforeVersion int    `yaml:"before_version"`
		FromVersion   int    `yaml:"from_version"`
	} `yaml:"cutover"`
	Sync struct {
		RetentionBusinessDays int           `yaml:"retention_business_days"`
		BatchCeiling          int           `yaml:"batch_ceiling"`
		TerminalStatuses      []string      `yaml:"terminal_statuses"`
		ClosureMarker         string        `yaml:"closure_marker"`
		ParentDuration        string        `yaml:"parent_duration"`
		PredecessorType       string        `yaml:"predecessor_type"`
		LeaseTTL              time.Duration `yaml:"lease_ttl"`
	} `yaml:"sync"`
	Admission struct {
		SkipTerminal       bool `yaml:"skip_terminal"`
		RequireResponsible bool `yaml:"require_responsible"`
	} `yaml:"admission"`
	Retry struct {
		MaxAttempts       int           `yaml:"max_attempts"`
		Delay             time.Duration `yaml:"delay"`
		RequestsPerMinute int           `yaml:"requests_per_minute"`
	} `yaml:"retry"`
	Archive struct {
		ProductComplaintType string `yaml:"product_complaint_type"`
	} `yaml:"archive"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dsync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sheet.Name == "" {
		return fmt.Errorf("config.sheet.name is required")
	}
	switch c.Source.Kind {
	case "sql":
		if c.Source.Driver == "" || c.Source.DSN == "" {
			return fmt.Errorf("config.source.driver and config.source.dsn are required for sql sources")
		}
		if c.Source.RecordsQuery == "" || c.Source.HistoryQuery == "" {
			return fmt.Errorf("config.source.records_query and config.source.history_query are required for sql sources")
		}
	case "file":
		if c.Source.File == "" {
			return fmt.Errorf("config.source.file is required for file sources")
		}
	default:
		return fmt.Errorf("config.source.kind must be 'sql' or 'file'")
	}
	if c.Source.HistoryConcurrency < 1 {
		return fmt.Errorf("config.source.history_concurrency must be at least 1")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates is required")
	}
	seen := map[int]bool{}
	for _, t := range c.Templates {
		if seen[t.Version] {
			return fmt.Errorf("template version %d defined twice", t.Version)
		}
		seen[t.Version] = true
		if len(t.Subtasks) == 0 {
			return fmt.Errorf("template version %d has no subtasks", t.Version)
		}
		names := map[string]bool{}
		for _, s := range t.Subtasks {
			if s.Name == "" {
				return fmt.Errorf("template version %d has a subtask without name", t.Version)
			}
			if names[s.Name] {
				return fmt.Errorf("template version %d repeats subtask %s", t.Version, s.Name)
			}
			names[s.Name] = true
			if s.DurationDays < 0 {
				return fmt.Errorf("subtask %s has negative duration", s.Name)
			}
			if len(s.CompletedOnStatuses) > 0 && s.AutoPopulateStatus == "" && !c.IsClosureMarker(s.Name) {
				return fmt.Errorf("subtask %s has completed_on_statuses but no auto_populate_status", s.Name)
			}
		}
	}
	if _, err := c.CutoverDate(); err != nil {
		return err
	}
	if !seen[c.Cutover.BeforeVersion] {
		return fmt.Errorf("config.cutover.before_version %d not defined in templates", c.Cutover.BeforeVersion)
	}
	if !seen[c.Cutover.FromVersion] {
		return fmt.Errorf("config.cutover.from_version %d not defined in templates", c.Cutover.FromVersion)
	}
	if c.Sync.RetentionBusinessDays < 0 {
		return fmt.Errorf("config.sync.retention_business_days must not be negative")
	}
	if c.Sync.BatchCeiling < 0 {
		return fmt.Errorf("config.sync.batch_ceiling must not be negative")
	}
	if len(c.Sync.TerminalStatuses) == 0 {
		return fmt.Errorf("config.sync.terminal_statuses is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.Delay < 0 || c.Retry.RequestsPerMinute < 0 {
		return fmt.Errorf("config.retry delay and requests_per_minute must not be negative")
	}
	if len(c.Sheet.StatusOptions) > 0 {
		for _, s := range c.Sync.TerminalStatuses {
			if !contains(c.Sheet.StatusOptions, s) {
				return fmt.Errorf("terminal status %q missing from config.sheet.status_options", s)
			}
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	return nil
}

// CutoverDate parses the template cutover date.
func (c *Config) CutoverDate() (time.Time, error) {
	if c.Cutover.Date == "" {
		return time.Time{}, fmt.Errorf("config.cutover.date is required")
	}
	d, err := domain.ParseDate(c.Cutover.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("config.cutover.date: %w", err)
	}
	return d, nil
}

// TemplateFor picks the subtask template for a hierarchy started on started.
// A zero start date selects the current template.
func (c *Config) TemplateFor(started time.Time) (domain.SubtaskTemplate, error) {
	cutover, err := c.CutoverDate()
	if err != nil {
		return domain.SubtaskTemplate{}, err
	}
	version := c.Cutover.FromVersion
	if !started.IsZero() && started.Before(cutover) {
		version = c.Cutover.BeforeVersion
	}
	return c.Template(version)
}

// Template returns the template with the given version.
func (c *Config) Template(version int) (domain.SubtaskTemplate, error) {
	for _, t := range c.Templates {
		if t.Version == version {
			return t, nil
		}
	}
	return domain.SubtaskTemplate{}, fmt.Errorf("template version %d not defined", version)
}

// Versions lists the configured template versions in ascending order.
func (c *Config) Versions() []int {
	out := make([]int, 0, len(c.Templates))
	for _, t := range c.Templates {
		out = append(out, t.Version)
	}
	sort.Ints(out)
	return out
}

// IsTerminal reports whether status closes a deviation.
func (c *Config) IsTerminal(status string) bool {
	return contains(c.Sync.TerminalStatuses, status)
}

// IsClosureMarker reports whether a subtask is driven by the parent's closed date.
func (c *Config) IsClosureMarker(subtask string) bool {
	return c.Sync.ClosureMarker != "" && strings.Contains(subtask, c.Sync.ClosureMarker)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dsync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(sheetName string) string {
	return fmt.Sprintf(defaultTemplate, sheetName)
}

// Default returns the default Config struct for a sheet.
func Default(sheetName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(sheetName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Sheet.Name = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `sheet:
  name: %q
  status_options:
    - Open
    - Initial Assessment
    - Investigation
    - Pending CAPA
    - Pending QA Approval
    - Closed - Done
    - Closed - Cancelled

source:
  kind: file
  file: deviations.yml
  history_concurrency: 4

templates:
  - version: 1
    subtasks:
      - name: Initial Assessment
        duration_days: 3
        completed_on_statuses: [Investigation, Pending CAPA, Pending QA Approval, Closed - Done]
        auto_populate_status: Initial Assessment
      - name: Investigation
        duration_days: 10
        completed_on_statuses: [Pending CAPA, Pending QA Approval, Closed - Done]
        auto_populate_status: Investigation
      - name: QA Approval
        duration_days: 5
        completed_on_statuses: [Closed - Done]
        auto_populate_status: Pending QA Approval
      - name: Done or Cancelled
        duration_days: 1
        completed_on_statuses: [Closed - Done, Closed - Cancelled]
  - version: 2
    subtasks:
      - name: Initial Assessment
        duration_days: 3
        completed_on_statuses: [Investigation, Pending CAPA, Pending QA Approval, Closed - Done]
        auto_populate_status: Initial Assessment
      - name: Investigation
        duration_days: 10
        completed_on_statuses: [Pending CAPA, Pending QA Approval, Closed - Done]
        auto_populate_status: Investigation
      - name: CAPA Plan
        duration_days: 7
        completed_on_statuses: [Pending QA Approval, Closed - Done]
        auto_populate_status: Pending CAPA
      - name: QA Approval
        duration_days: 5
        completed_on_statuses: [Closed - Done]
        auto_populate_status: Pending QA Approval
      - name: Done or Cancelled
        duration_days: 1
        completed_on_statuses: [Closed - Done, Closed - Cancelled]

cutover:
  date: "2024-03-19"
  before_version: 1
  from_version: 2

sync:
  retention_business_days: 30
  batch_ceiling: 10
  terminal_statuses: [Closed - Done, Closed - Cancelled]
  closure_marker: Done or Cancelled
  parent_duration: 30d
  predecessor_type: FS
  lease_ttl: 30m

admission:
  skip_terminal: true
  require_responsible: true

retry:
  max_attempts: 5
  delay: 5s
  requests_per_minute: 0

archive:
  product_complaint_type: Product Complaint

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  jwt_issuer: dsync
`
