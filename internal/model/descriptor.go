package model

import (
	"fmt"
	"time"
)

// AgentMode is the execution discipline a descriptor is bound to.
type AgentMode string

const (
	ModeAutonomous    AgentMode = "autonomous"
	ModeCollaborative AgentMode = "collaborative"
	ModeContinuous    AgentMode = "continuous"
	ModeScheduled     AgentMode = "scheduled"
)

func (m AgentMode) valid() bool {
	switch m {
	case ModeAutonomous, ModeCollaborative, ModeContinuous, ModeScheduled:
		return true
	}
	return false
}

// LLMConfig is the provider/model binding for an agent's LLM calls.
type LLMConfig struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// Credentials injected by the Configuration Registry's secret table
	// (never set from YAML directly).
	APIKey          string `yaml:"-" json:"-"`
	BaseURL         string `yaml:"-" json:"-"`
	Region          string `yaml:"-" json:"-"`
	AccessKeyID     string `yaml:"-" json:"-"`
	SecretAccessKey string `yaml:"-" json:"-"`
}

// ToolAuth describes how to authenticate to a tool endpoint.
type ToolAuth struct {
	Type   string `yaml:"type" json:"type"`
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty"`
}

// ToolConfig is one MCP tool an agent may invoke.
type ToolConfig struct {
	Name string   `yaml:"name" json:"name"`
	URL  string   `yaml:"url" json:"url"`
	Auth ToolAuth `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// RetryConfig configures the autonomous pool's retry policy (spec.md §4.5).
type RetryConfig struct {
	MaxRetries          int  `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelaySeconds   int  `yaml:"retry_delay_seconds,omitempty" json:"retry_delay_seconds,omitempty"`
	ExponentialBackoff  bool `yaml:"exponential_backoff,omitempty" json:"exponential_backoff,omitempty"`
}

// ContinuousConfig configures the continuous runner's per-agent loop.
type ContinuousConfig struct {
	IdleTimeoutSeconds      int `yaml:"idle_timeout_seconds,omitempty" json:"idle_timeout_seconds,omitempty"`
	SaveIntervalSeconds     int `yaml:"save_interval_seconds,omitempty" json:"save_interval_seconds,omitempty"`
	MaxConversationHistory  int `yaml:"max_conversation_history,omitempty" json:"max_conversation_history,omitempty"`
}

// CollaborativeConfig configures the collaborative pool's plan behavior.
type CollaborativeConfig struct {
	PreferredCollaborators     []string `yaml:"preferred_collaborators,omitempty" json:"preferred_collaborators,omitempty"`
	MaxPlanSteps               int      `yaml:"max_plan_steps,omitempty" json:"max_plan_steps,omitempty"`
	AllowHumanClarification    bool     `yaml:"allow_human_clarification,omitempty" json:"allow_human_clarification,omitempty"`
	ClarificationTimeoutSeconds int     `yaml:"clarification_timeout_seconds,omitempty" json:"clarification_timeout_seconds,omitempty"`
}

// ScheduleType selects between cron and fixed-interval scheduling.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// ScheduleConfig configures a SCHEDULED agent's trigger.
type ScheduleConfig struct {
	Type            ScheduleType   `yaml:"type" json:"type"`
	Cron            string         `yaml:"cron,omitempty" json:"cron,omitempty"`
	IntervalSeconds int            `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
	Timezone        string         `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	TaskData        map[string]any `yaml:"task_data,omitempty" json:"task_data,omitempty"`
	TimeoutSeconds  int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// AgentDescriptor is the immutable-after-load definition of one agent,
// discovered from a YAML file by the Configuration Registry. It is replaced
// atomically (never mutated) on hot reload.
type AgentDescriptor struct {
	Name         string    `yaml:"name" json:"name"`
	Mode         AgentMode `yaml:"mode" json:"mode"`
	SystemPrompt string    `yaml:"system_prompt" json:"system_prompt"`
	LLM          LLMConfig `yaml:"llm" json:"llm"`

	Tools         []ToolConfig `yaml:"tools,omitempty" json:"tools,omitempty"`
	Subscriptions []string     `yaml:"subscriptions,omitempty" json:"subscriptions,omitempty"`
	Tags          []string     `yaml:"tags,omitempty" json:"tags,omitempty"`

	RetryConfig          *RetryConfig          `yaml:"retry_config,omitempty" json:"retry_config,omitempty"`
	ContinuousConfig     *ContinuousConfig     `yaml:"continuous_config,omitempty" json:"continuous_config,omitempty"`
	CollaborativeConfig  *CollaborativeConfig  `yaml:"collaborative_config,omitempty" json:"collaborative_config,omitempty"`
	ScheduleConfig       *ScheduleConfig       `yaml:"schedule_config,omitempty" json:"schedule_config,omitempty"`

	// SourceFile is the absolute path this descriptor was parsed from.
	// Not part of the YAML wire schema; set by the registry loader.
	SourceFile string    `yaml:"-" json:"-"`
	LoadedAt   time.Time `yaml:"-" json:"-"`
}

// ValidateName checks the name invariant from spec.md §3:
// name matches [a-z0-9][a-z0-9_-]*.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is required")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if i == 0 {
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
				return fmt.Errorf("name must start with [a-z0-9], got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' && c != '-' {
			return fmt.Errorf("name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// Validate checks the descriptor against every invariant in spec.md §3:
// valid name, a known mode, and at most one discipline block populated,
// which must match that mode. A missing block is filled with an empty one,
// except for scheduled mode, which requires schedule_config.
func (d *AgentDescriptor) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return fmt.Errorf("descriptor %q: %w", d.Name, err)
	}
	if !d.Mode.valid() {
		return fmt.Errorf("descriptor %q: unknown mode %q", d.Name, d.Mode)
	}
	if d.LLM.Provider == "" || d.LLM.Model == "" {
		return fmt.Errorf("descriptor %q: llm.provider and llm.model are required", d.Name)
	}
	if d.SystemPrompt == "" {
		return fmt.Errorf("descriptor %q: system_prompt is required", d.Name)
	}

	populated := 0
	if d.RetryConfig != nil {
		populated++
	}
	if d.ContinuousConfig != nil {
		populated++
	}
	if d.CollaborativeConfig != nil {
		populated++
	}
	if d.ScheduleConfig != nil {
		populated++
	}
	if populated > 1 {
		return fmt.Errorf("descriptor %q: more than one discipline block populated", d.Name)
	}
	if populated == 1 {
		matches := (d.Mode == ModeAutonomous && d.RetryConfig != nil) ||
			(d.Mode == ModeContinuous && d.ContinuousConfig != nil) ||
			(d.Mode == ModeCollaborative && d.CollaborativeConfig != nil) ||
			(d.Mode == ModeScheduled && d.ScheduleConfig != nil)
		if !matches {
			return fmt.Errorf("descriptor %q: discipline block does not match mode %q", d.Name, d.Mode)
		}
	}

	switch d.Mode {
	case ModeScheduled:
		if d.ScheduleConfig == nil {
			return fmt.Errorf("descriptor %q: mode scheduled requires schedule_config", d.Name)
		}
		hasCron := d.ScheduleConfig.Cron != ""
		hasInterval := d.ScheduleConfig.IntervalSeconds > 0
		if hasCron == hasInterval {
			return fmt.Errorf("descriptor %q: schedule_config must set exactly one of cron or interval_seconds", d.Name)
		}
	case ModeContinuous:
		if d.ContinuousConfig == nil {
			d.ContinuousConfig = &ContinuousConfig{}
		}
	case ModeCollaborative:
		if d.CollaborativeConfig == nil {
			d.CollaborativeConfig = &CollaborativeConfig{}
		}
	case ModeAutonomous:
		if d.RetryConfig == nil {
			d.RetryConfig = &RetryConfig{}
		}
	}
	return nil
}

// ApplyDefaults fills in the documented defaults for whichever discipline
// block is populated. Called after Validate succeeds.
func (d *AgentDescriptor) ApplyDefaults() {
	switch d.Mode {
	case ModeAutonomous:
		if d.RetryConfig.MaxRetries == 0 {
			d.RetryConfig.MaxRetries = 2
		}
		if d.RetryConfig.RetryDelaySeconds == 0 {
			d.RetryConfig.RetryDelaySeconds = 1
		}
	case ModeContinuous:
		if d.ContinuousConfig.IdleTimeoutSeconds == 0 {
			// Open Question resolution: 15 minutes, see DESIGN.md.
			d.ContinuousConfig.IdleTimeoutSeconds = 900
		}
		if d.ContinuousConfig.SaveIntervalSeconds == 0 {
			d.ContinuousConfig.SaveIntervalSeconds = 30
		}
		if d.ContinuousConfig.MaxConversationHistory == 0 {
			d.ContinuousConfig.MaxConversationHistory = 50
		}
	case ModeCollaborative:
		if d.CollaborativeConfig.MaxPlanSteps == 0 {
			d.CollaborativeConfig.MaxPlanSteps = 10
		}
		if d.CollaborativeConfig.ClarificationTimeoutSeconds == 0 {
			d.CollaborativeConfig.ClarificationTimeoutSeconds = 300
		}
	case ModeScheduled:
		if d.ScheduleConfig.TimeoutSeconds == 0 {
			d.ScheduleConfig.TimeoutSeconds = 300
		}
	}
}

// RoutingKey returns the routing key this descriptor's discipline consumes
// (spec.md §4.2, §4.4).
func (d *AgentDescriptor) RoutingKey() string {
	switch d.Mode {
	case ModeAutonomous:
		return "autonomous.task.submitted"
	case ModeCollaborative:
		return "collaborative.task.submitted"
	case ModeContinuous:
		return "continuous.task." + d.Name
	case ModeScheduled:
		return "scheduled.task." + d.Name
	default:
		return ""
	}
}

// QueueName returns the durable queue name for this descriptor's discipline
// (spec.md §6).
func (d *AgentDescriptor) QueueName() string {
	switch d.Mode {
	case ModeAutonomous:
		return "pool.autonomous"
	case ModeCollaborative:
		return "pool.collaborative"
	case ModeContinuous:
		return "agent." + d.Name + ".continuous"
	case ModeScheduled:
		return "scheduler.ticks"
	default:
		return ""
	}
}
