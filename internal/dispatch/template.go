package dispatch

import (
	"encoding/json"
	"strings"
)

// Render substitutes {name} placeholders with values from data.
// Placeholders with no matching key are left as written. An empty
// template falls back to the whole data map as flat JSON.
func Render(tmpl string, data map[string]string) string {
	if tmpl == "" {
		b, _ := json.Marshal(data)
		return string(b)
	}
	var out strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			return out.String()
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			out.WriteString(rest)
			return out.String()
		}
		closing += open
		out.WriteString(rest[:open])
		key := rest[open+1 : closing]
		if v, ok := data[key]; ok {
			out.WriteString(v)
		} else {
			out.WriteString(rest[open : closing+1])
		}
		rest = rest[closing+1:]
	}
}
