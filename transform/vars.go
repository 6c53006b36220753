package transform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Vars supplies the values behind "{{…}}" template variables.
//
// Supported variables:
//
//	{{config.orgId}}       → the org ID
//	{{config.<key>}}       → a named config value
//	{{date.today()}}       → today's date, YYYY-MM-DD
//	{{date.now()}}         → current instant, RFC 3339
//	{{date.yesterday()}}   → yesterday's date, YYYY-MM-DD
//	{{env.NAME}}           → process environment variable
type Vars struct {
	// OrgID backs {{config.orgId}}.
	OrgID int32

	// Config backs {{config.<key>}} for other keys.
	Config map[string]string

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	// Env resolves environment variables; defaults to os.Getenv.
	Env func(string) string
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.()]+)\s*\}\}`)

// Substitute replaces every "{{…}}" occurrence in s. Unknown variables are
// left intact so a misspelled template is visible in the delivered body
// rather than silently blanked.
func (v *Vars) Substitute(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-2])
		if val, ok := v.resolve(name); ok {
			return val
		}
		return m
	})
}

// IsTemplate reports whether s contains at least one template variable.
func IsTemplate(s string) bool {
	return varPattern.MatchString(s)
}

func (v *Vars) resolve(name string) (string, bool) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	env := os.Getenv
	if v.Env != nil {
		env = v.Env
	}

	switch {
	case name == "config.orgId":
		return fmt.Sprintf("%d", v.OrgID), true
	case strings.HasPrefix(name, "config."):
		val, ok := v.Config[strings.TrimPrefix(name, "config.")]
		return val, ok
	case name == "date.today()":
		return now().UTC().Format("2006-01-02"), true
	case name == "date.yesterday()":
		return now().UTC().AddDate(0, 0, -1).Format("2006-01-02"), true
	case name == "date.now()":
		return now().UTC().Format(time.RFC3339), true
	case strings.HasPrefix(name, "env."):
		return env(strings.TrimPrefix(name, "env.")), true
	default:
		return "", false
	}
}
