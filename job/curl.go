package job

import (
	"net/http"
	"strings"

	"github.com/xraph/conduit/execlog"
)

// CurlCommand renders a reproducible curl invocation for one job delivery.
// Credential headers are redacted, so the command documents the request
// shape without leaking secrets.
func CurlCommand(method, url string, headers http.Header, body []byte) string {
	var b strings.Builder
	b.WriteString("curl -X ")
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(shellQuote(url))

	for name, value := range execlog.RedactHeaders(headers) {
		b.WriteString(" \\\n  -H ")
		b.WriteString(shellQuote(name + ": " + value))
	}

	if len(body) > 0 {
		b.WriteString(" \\\n  -d ")
		b.WriteString(shellQuote(string(body)))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
