// Package delay implements the update-gating controller. Armed conditions
// are ANDed: a pending update is withheld while any condition is unmet.
// Conditions persist through the store so they survive a relaunch.
package delay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ah2048/electron-updater/pkg/store"
)

// Recognized condition kinds.
const (
	KindBackground    = "background"
	KindKill          = "kill"
	KindDate          = "date"
	KindNativeVersion = "nativeVersion"
)

// Controller evaluates gating conditions against host state.
type Controller struct {
	st            *store.Store
	nativeVersion string

	mu           sync.Mutex
	inBackground bool
}

// NewController creates a controller. nativeVersion is the host's build
// version, matched by nativeVersion conditions.
func NewController(st *store.Store, nativeVersion string) *Controller {
	return &Controller{st: st, nativeVersion: nativeVersion}
}

// SetMultiDelay arms a set of conditions, replacing any previously armed.
func (c *Controller) SetMultiDelay(conds []store.DelayCondition) error {
	for _, cond := range conds {
		switch cond.Kind {
		case KindBackground, KindKill, KindDate, KindNativeVersion:
		default:
			return fmt.Errorf("unknown delay condition kind: %s", cond.Kind)
		}
	}
	slog.Info("delay_armed", "condition_count", len(conds))
	return c.st.SetDelayConditions(conds)
}

// CancelDelay clears all armed conditions.
func (c *Controller) CancelDelay() error {
	slog.Info("delay_cancelled")
	return c.st.SetDelayConditions(nil)
}

// AreConditionsSatisfied reports whether the gate is open: every armed
// condition is met. No armed conditions means open.
func (c *Controller) AreConditionsSatisfied() bool {
	conds := c.st.DelayConditions()
	for _, cond := range conds {
		if !c.satisfied(cond) {
			slog.Info("delay_gate_closed", "kind", cond.Kind, "value", cond.Value)
			return false
		}
	}
	return true
}

func (c *Controller) satisfied(cond store.DelayCondition) bool {
	switch cond.Kind {
	case KindBackground:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.inBackground

	case KindKill:
		// Met only across a relaunch; OnAppStart consumes it.
		return false

	case KindDate:
		at, err := time.Parse(time.RFC3339, cond.Value)
		if err != nil {
			slog.Warn("delay_date_unparseable", "value", cond.Value, "error", err)
			return true
		}
		return time.Now().After(at)

	case KindNativeVersion:
		return c.nativeVersion == cond.Value

	default:
		return true
	}
}

// OnAppStart consumes one-shot kill conditions: the application has exited
// and relaunched, so they no longer withhold the gate. Returns whether any
// kill condition was consumed.
func (c *Controller) OnAppStart() (bool, error) {
	conds := c.st.DelayConditions()
	kept := conds[:0]
	consumed := false
	for _, cond := range conds {
		if cond.Kind == KindKill {
			consumed = true
			continue
		}
		kept = append(kept, cond)
	}
	if !consumed {
		return false, nil
	}
	slog.Info("delay_kill_consumed")
	return true, c.st.SetDelayConditions(kept)
}

// OnForeground records that the host window gained focus.
func (c *Controller) OnForeground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inBackground = false
}

// OnBackground records that the host window blurred or was hidden.
func (c *Controller) OnBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inBackground = true
}
