// Package transform evaluates an action's transformation against an event
// payload: either a declarative SIMPLE field map or a sandboxed SCRIPT.
//
// The script sandbox itself is an injected dependency with a fixed
// contract (no I/O, CPU and memory limits); this package owns the
// helper surface, the SIMPLE evaluator, and the failure mapping.
package transform

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/integration"
)

// DefaultScriptBudget is the CPU budget handed to the script engine.
const DefaultScriptBudget = 1 * time.Second

// LookupResolver resolves per-org lookup tables for mappings and script
// helpers. Implemented by the lookup package.
type LookupResolver interface {
	// Lookup resolves key through the named table. ok is false on miss.
	Lookup(ctx context.Context, orgID int32, table, key string) (value string, ok bool, err error)

	// LookupName resolves key to the entry's label instead of its value.
	LookupName(ctx context.Context, orgID int32, table, key string) (label string, ok bool, err error)

	// ReverseLookup resolves a target value back to its source key.
	ReverseLookup(ctx context.Context, orgID int32, table, value string) (key string, ok bool, err error)
}

// Engine is the sandboxed script evaluator contract. Implementations run
// transform(input) with no I/O, no network, no filesystem, no process
// access, a CPU budget, and a memory ceiling.
type Engine interface {
	// Execute runs the user script against input and returns the produced
	// output. Helpers exposes the fixed helper library inside the sandbox.
	Execute(ctx context.Context, script string, input map[string]any, helpers Helpers) (any, error)
}

// Helpers is the fixed helper library visible to user scripts.
type Helpers struct {
	// Lookup resolves a key through a named lookup table; empty on miss.
	Lookup func(table, key string) string

	// LookupName resolves a key to its label; empty on miss.
	LookupName func(table, key string) string

	// ReverseLookup resolves a value back to its key; empty on miss.
	ReverseLookup func(table, value string) string

	// Vars resolves "{{…}}" template variables.
	Vars *Vars
}

// Executor evaluates transformations.
type Executor struct {
	engine  Engine
	lookups LookupResolver
	budget  time.Duration
	logger  *slog.Logger
}

// NewExecutor creates a transform executor. engine may be nil when no
// SCRIPT integrations are configured; running a SCRIPT without one is a
// TRANSFORMATION failure, not a panic.
func NewExecutor(engine Engine, lookups LookupResolver, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		engine:  engine,
		lookups: lookups,
		budget:  DefaultScriptBudget,
		logger:  logger,
	}
}

// Apply evaluates t against the payload and returns the serialized request
// body. Every failure kind (syntax error, runtime exception, timeout,
// invalid output) surfaces as a TRANSFORMATION-category error.
func (x *Executor) Apply(ctx context.Context, orgID int32, t integration.Transformation, payload map[string]any, vars *Vars) ([]byte, error) {
	var (
		out any
		err error
	)

	switch t.Mode {
	case integration.ModeSimple:
		out, err = x.applySimple(ctx, orgID, t.Mapping, payload, vars)
	case integration.ModeScript:
		out, err = x.applyScript(ctx, orgID, t.Script, payload, vars)
	default:
		return nil, fault.New(fault.CategoryTransformation, "unknown_mode",
			"unknown transformation mode %q", t.Mode)
	}
	if err != nil {
		return nil, err
	}

	body, merr := json.Marshal(out)
	if merr != nil {
		return nil, fault.Wrap(fault.CategoryTransformation, "unserializable_output", merr)
	}
	return body, nil
}

func (x *Executor) applyScript(ctx context.Context, orgID int32, script string, payload map[string]any, vars *Vars) (any, error) {
	if x.engine == nil {
		return nil, fault.New(fault.CategoryTransformation, "no_engine",
			"script transformation configured but no script engine installed")
	}

	ctx, cancel := context.WithTimeout(ctx, x.budget)
	defer cancel()

	out, err := x.engine.Execute(ctx, script, payload, x.helpers(ctx, orgID, vars))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.New(fault.CategoryTransformation, "script_timeout",
				"script exceeded %s budget", x.budget)
		}
		return nil, fault.Wrap(fault.CategoryTransformation, "script_error", err)
	}
	return out, nil
}

func (x *Executor) helpers(ctx context.Context, orgID int32, vars *Vars) Helpers {
	resolve := func(fn func(context.Context, int32, string, string) (string, bool, error)) func(string, string) string {
		return func(table, key string) string {
			if x.lookups == nil {
				return ""
			}
			v, ok, err := fn(ctx, orgID, table, key)
			if err != nil || !ok {
				return ""
			}
			return v
		}
	}

	h := Helpers{Vars: vars}
	if x.lookups != nil {
		h.Lookup = resolve(x.lookups.Lookup)
		h.LookupName = resolve(x.lookups.LookupName)
		h.ReverseLookup = resolve(x.lookups.ReverseLookup)
	}
	return h
}
