package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/conduit/fault"
	"github.com/xraph/conduit/integration"
)

// applySimple evaluates a declarative field map: for each mapping, resolve
// the source (dot path or template), pass it through the optional lookup
// table and formatter, and assign it at the target dot path.
func (x *Executor) applySimple(ctx context.Context, orgID int32, mapping []integration.FieldMapping, payload map[string]any, vars *Vars) (map[string]any, error) {
	out := make(map[string]any)

	for _, fm := range mapping {
		val, found := x.resolveSource(fm.Source, payload, vars)
		if !found {
			if fm.Default == nil {
				continue
			}
			val = fm.Default
		}

		if fm.Lookup != "" {
			resolved, err := x.resolveLookup(ctx, orgID, fm.Lookup, val)
			if err != nil {
				return nil, err
			}
			val = resolved
		}

		if fm.Format != "" {
			formatted, err := applyFormat(fm.Format, val)
			if err != nil {
				return nil, fault.Wrap(fault.CategoryTransformation, "format", err)
			}
			val = formatted
		}

		setPath(out, fm.Target, val)
	}

	return out, nil
}

func (x *Executor) resolveSource(src string, payload map[string]any, vars *Vars) (any, bool) {
	if vars != nil && IsTemplate(src) {
		return vars.Substitute(src), true
	}
	return getPath(payload, src)
}

func (x *Executor) resolveLookup(ctx context.Context, orgID int32, table string, val any) (any, error) {
	if x.lookups == nil {
		return nil, fault.New(fault.CategoryTransformation, "no_lookup_resolver",
			"mapping references lookup table %q but no resolver is installed", table)
	}
	key := fmt.Sprint(val)
	resolved, ok, err := x.lookups.Lookup(ctx, orgID, table, key)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryTransformation, "lookup", err)
	}
	if !ok {
		// A miss keeps the original value; lookups enrich, they do not gate.
		return val, nil
	}
	return resolved, nil
}

// getPath walks a dot path into nested maps. Returns false when any segment
// is missing or a non-map is traversed.
func getPath(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	cur := any(m)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath assigns val at a dot path, creating intermediate maps. An
// intermediate non-map value is overwritten; the last mapping wins.
func setPath(m map[string]any, path string, val any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = val
}

// applyFormat applies a named formatter to a resolved value.
func applyFormat(format string, val any) (any, error) {
	switch {
	case format == "uppercase":
		return strings.ToUpper(fmt.Sprint(val)), nil
	case format == "lowercase":
		return strings.ToLower(fmt.Sprint(val)), nil
	case format == "trim":
		return strings.TrimSpace(fmt.Sprint(val)), nil
	case format == "string":
		return fmt.Sprint(val), nil
	case format == "number":
		n, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(val)), 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a number", val)
		}
		return n, nil
	case strings.HasPrefix(format, "date:"):
		layout := strings.TrimPrefix(format, "date:")
		t, err := parseTime(val)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(layout), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func parseTime(val any) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("value %q is not a recognized date", v)
	case float64:
		return time.Unix(int64(v), 0), nil
	case int64:
		return time.Unix(v, 0), nil
	default:
		return time.Time{}, fmt.Errorf("value of type %T is not a date", val)
	}
}

// EvalCondition evaluates an action condition against the event payload.
// A nil condition always passes.
func EvalCondition(c *integration.Condition, payload map[string]any) bool {
	if c == nil {
		return true
	}

	val, found := getPath(payload, c.Field)
	switch c.Op {
	case integration.OpExists:
		return found
	case integration.OpEquals:
		return found && fmt.Sprint(val) == fmt.Sprint(c.Value)
	case integration.OpNotEquals:
		return !found || fmt.Sprint(val) != fmt.Sprint(c.Value)
	case integration.OpContains:
		return found && strings.Contains(fmt.Sprint(val), fmt.Sprint(c.Value))
	default:
		return false
	}
}
