// Package compiler validates a channel configuration and assembles its
// ordered protection pipeline (spec §4.2). Compilation happens once per
// registration; the dispatcher only ever walks the resulting
// core.CompiledChannel.
package compiler

import (
	"fmt"
	"time"

	"github.com/neuralline/cyre-sub007/internal/core"
)

// ValidationError reports a specific field/rule violation, composable with
// errors.As the way the teacher's config.Validate() chains sub-validators.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registration-invalid: field %q: %s", e.Field, e.Rule)
}

func invalid(field, rule string) error { return &ValidationError{Field: field, Rule: rule} }

// Compile validates cfg and, on success, returns a CompiledChannel with its
// pipeline assembled in the fixed order from spec §4.2. Validation failures
// return a *ValidationError wrapped with fmt.Errorf("%w", ...).
func Compile(cfg core.ChannelConfig) (*core.CompiledChannel, error) {
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("compile channel %q: %w", cfg.ID, err)
	}

	cc := &core.CompiledChannel{Config: cfg}

	preBlocked, reason := blockReason(cfg)
	cc.PreBlocked = preBlocked
	cc.BlockReason = reason

	steps := assemble(cfg)
	cc.Pipeline = steps
	cc.FastPath = !preBlocked && len(steps) == 0
	return cc, nil
}

func validate(cfg core.ChannelConfig) error {
	if cfg.ID == "" {
		return invalid("id", "must be a non-empty string")
	}
	if cfg.ThrottleMS < 0 {
		return invalid("throttle-ms", "must be >= 0")
	}
	if cfg.DebounceMS < 0 {
		return invalid("debounce-ms", "must be >= 0")
	}
	if cfg.IntervalMS < 0 {
		return invalid("interval-ms", "must be >= 0")
	}
	if cfg.DelayMS < 0 {
		return invalid("delay-ms", "must be >= 0")
	}
	if cfg.Repeat != nil && *cfg.Repeat < 0 && *cfg.Repeat != core.RepeatInfinity {
		return invalid("repeat", "must be a non-negative integer or RepeatInfinity")
	}
	switch cfg.Priority {
	case "", core.PriorityLow, core.PriorityMedium, core.PriorityHigh, core.PriorityCritical:
	default:
		return invalid("priority", "priority must be a string in {low, medium, high, critical}")
	}
	return nil
}

func blockReason(cfg core.ChannelConfig) (bool, string) {
	if cfg.Block {
		return true, "block=true"
	}
	if cfg.Repeat != nil && *cfg.Repeat == 0 {
		return true, "repeat=0"
	}
	return false, ""
}

// assemble builds the ordered step list for everything between block-gate
// and dispatch (spec §4.2 steps 2-9; block-gate and dispatch itself are
// handled directly by the dispatcher since they are unconditional).
func assemble(cfg core.ChannelConfig) []core.Step {
	var steps []core.Step

	if cfg.ThrottleMS > 0 {
		steps = append(steps, throttleStep(cfg.ThrottleMS))
	}
	if cfg.DebounceMS > 0 {
		steps = append(steps, debounceStep(cfg.DebounceMS))
	}
	if cfg.Schema != nil {
		steps = append(steps, schemaStep(cfg.Schema))
	}
	if cfg.Required {
		steps = append(steps, requiredStep())
	}
	if cfg.Condition != nil {
		steps = append(steps, conditionStep(cfg.Condition))
	}
	if cfg.Selector != nil {
		steps = append(steps, selectorStep(cfg.Selector))
	}
	if cfg.Transform != nil {
		steps = append(steps, transformStep(cfg.Transform))
	}
	if cfg.DetectChanges {
		steps = append(steps, changeDetectStep())
	}
	return steps
}

func throttleStep(throttleMS int64) core.Step {
	window := time.Duration(throttleMS) * time.Millisecond
	return core.Step{Name: "throttle", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		last := ctx.Channel.LastCallTime()
		if !last.IsZero() {
			elapsed := ctx.Now.Sub(last)
			if elapsed < window {
				remaining := window - elapsed
				return ctx.Payload, true, core.Result{OK: false, Message: "throttled", ErrorKind: core.ErrThrottled, Payload: remaining}
			}
		}
		return ctx.Payload, false, core.Result{}
	}}
}

func debounceStep(debounceMS int64) core.Step {
	_ = debounceMS
	return core.Step{Name: "debounce", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		// The actual scheduling call (TimeKeeper.Add) is performed by the
		// dispatcher, which owns the TimeKeeper handle; this step only
		// marks the call as deferred so later steps are skipped.
		return ctx.Payload, true, core.Result{OK: false, Message: "debounced", ErrorKind: core.ErrDebounced}
	}}
}

func schemaStep(v core.Validator) core.Step {
	return core.Step{Name: "schema", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		ok, data, err := v(ctx.Payload)
		if !ok || err != nil {
			msg := "schema validation failed"
			if err != nil {
				msg = err.Error()
			}
			return ctx.Payload, true, core.Result{OK: false, Message: msg, ErrorKind: core.ErrSchemaInvalid}
		}
		if data != nil {
			return data, false, core.Result{}
		}
		return ctx.Payload, false, core.Result{}
	}}
}

func requiredStep() core.Step {
	return core.Step{Name: "required", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		if ctx.Payload == nil {
			return ctx.Payload, true, core.Result{OK: false, Message: "required payload missing", ErrorKind: core.ErrRequiredMissing}
		}
		return ctx.Payload, false, core.Result{}
	}}
}

func conditionStep(cond core.Condition) core.Step {
	return core.Step{Name: "condition", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		if !cond(ctx.Payload) {
			return ctx.Payload, true, core.Result{OK: false, Message: "condition not met", ErrorKind: core.ErrConditionNotMet}
		}
		return ctx.Payload, false, core.Result{}
	}}
}

func selectorStep(sel core.Selector) core.Step {
	return core.Step{Name: "selector", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		return sel(ctx.Payload), false, core.Result{}
	}}
}

func transformStep(tr core.Transform) core.Step {
	return core.Step{Name: "transform", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		out, err := tr(ctx.Payload)
		if err != nil {
			return ctx.Payload, true, core.Result{OK: false, Message: err.Error(), ErrorKind: core.ErrHandlerError}
		}
		return out, false, core.Result{}
	}}
}

func changeDetectStep() core.Step {
	return core.Step{Name: "change-detect", Run: func(ctx *core.StepContext) (any, bool, core.Result) {
		last, has := ctx.Channel.LastPayload()
		if has && equalSnapshot(last, ctx.Payload) {
			return ctx.Payload, true, core.Result{OK: false, Message: "payload unchanged", ErrorKind: core.ErrUnchanged}
		}
		return ctx.Payload, false, core.Result{}
	}}
}
