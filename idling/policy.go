package idling

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Swind/go-idlesync/core"
)

// ResponseAction is what a policy does when its timeout fires.
type ResponseAction int

const (
	// ThrowAppNotIdle fails the wait with an AppNotIdleError.
	ThrowAppNotIdle ResponseAction = iota
	// ThrowIdleTimeout fails the wait with an IdlingResourceTimeoutError.
	ThrowIdleTimeout
	// LogWarning logs the busy sources and lets the wait continue.
	LogWarning
)

func (a ResponseAction) String() string {
	switch a {
	case ThrowAppNotIdle:
		return "throw_app_not_idle"
	case ThrowIdleTimeout:
		return "throw_idle_timeout"
	case LogWarning:
		return "log_warning"
	default:
		return fmt.Sprintf("ResponseAction(%d)", int(a))
	}
}

// ParseResponseAction accepts the String forms, case-insensitively.
func ParseResponseAction(s string) (ResponseAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "throw_app_not_idle":
		return ThrowAppNotIdle, nil
	case "throw_idle_timeout":
		return ThrowIdleTimeout, nil
	case "log_warning":
		return LogWarning, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a ResponseAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ResponseAction) UnmarshalText(text []byte) error {
	parsed, err := ParseResponseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// IdlingPolicy bounds how long a wait may take and what happens when it doesn't finish.
type IdlingPolicy struct {
	Timeout                   time.Duration  `yaml:"timeout" mapstructure:"timeout"`
	Action                    ResponseAction `yaml:"action" mapstructure:"action"`
	TimeoutIfDebuggerAttached bool           `yaml:"timeout_if_debugger_attached" mapstructure:"timeout_if_debugger_attached"`
	DisableOnTimeout          bool           `yaml:"disable_on_timeout" mapstructure:"disable_on_timeout"`
}

// Validate rejects non-positive timeouts and unknown actions.
func (p IdlingPolicy) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidPolicy, p.Timeout)
	}
	if p.Action < ThrowAppNotIdle || p.Action > LogWarning {
		return fmt.Errorf("%w: unknown action %d", ErrInvalidPolicy, int(p.Action))
	}
	return nil
}

// HandleTimeout applies the policy action to a timeout. busy names the
// unsatisfied conditions or busy resources. LogWarning returns nil.
func (p IdlingPolicy) HandleTimeout(busy []string, message string, logger core.Logger) error {
	switch p.Action {
	case ThrowAppNotIdle:
		return &AppNotIdleError{Conditions: append([]string(nil), busy...), Message: message}
	case ThrowIdleTimeout:
		return &IdlingResourceTimeoutError{BusyResources: append([]string(nil), busy...)}
	default:
		logger.Warn(message, core.F("busy", busy), core.F("timeout", p.Timeout))
		return nil
	}
}

// ShouldDisable reports whether a source that timed out under this policy
// should be replaced by an always-idle stand-in.
func (p IdlingPolicy) ShouldDisable(debuggerAttached bool) bool {
	return p.DisableOnTimeout || (debuggerAttached && !p.TimeoutIfDebuggerAttached)
}

// DefaultMasterPolicy bounds a whole wait.
func DefaultMasterPolicy() IdlingPolicy {
	return IdlingPolicy{Timeout: 60 * time.Second, Action: ThrowAppNotIdle}
}

// DefaultDynamicWarningPolicy logs about resources still busy.
func DefaultDynamicWarningPolicy() IdlingPolicy {
	return IdlingPolicy{Timeout: 5 * time.Second, Action: LogWarning}
}

// DefaultDynamicErrorPolicy fails the wait on resources that stay busy.
func DefaultDynamicErrorPolicy() IdlingPolicy {
	return IdlingPolicy{Timeout: 26 * time.Second, Action: ThrowIdleTimeout}
}

// Policies is the process's policy set. Waits read it when they start, so an
// update takes effect on the next wait.
type Policies struct {
	mu             sync.RWMutex
	master         IdlingPolicy
	dynamicWarning IdlingPolicy
	dynamicError   IdlingPolicy
}

// NewPolicies returns the default policy set.
func NewPolicies() *Policies {
	return &Policies{
		master:         DefaultMasterPolicy(),
		dynamicWarning: DefaultDynamicWarningPolicy(),
		dynamicError:   DefaultDynamicErrorPolicy(),
	}
}

func (p *Policies) Master() IdlingPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.master
}

func (p *Policies) DynamicWarning() IdlingPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dynamicWarning
}

func (p *Policies) DynamicError() IdlingPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dynamicError
}

func (p *Policies) SetMaster(policy IdlingPolicy) error {
	return p.set(&p.master, policy)
}

func (p *Policies) SetDynamicWarning(policy IdlingPolicy) error {
	return p.set(&p.dynamicWarning, policy)
}

func (p *Policies) SetDynamicError(policy IdlingPolicy) error {
	return p.set(&p.dynamicError, policy)
}

// Replace validates and installs all three policies at once.
func (p *Policies) Replace(master, warning, errPolicy IdlingPolicy) error {
	for _, policy := range []IdlingPolicy{master, warning, errPolicy} {
		if err := policy.Validate(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.master, p.dynamicWarning, p.dynamicError = master, warning, errPolicy
	return nil
}

func (p *Policies) set(dst *IdlingPolicy, policy IdlingPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	*dst = policy
	return nil
}
