package oauth

import (
	"sort"
	"strings"
)

// AuthorizationHeader renders a parameter map as the Authorization header
// value: `OAuth k1="v1", k2="v2"` with keys in byte-wise ascending order and
// values quoted verbatim. The server compares this byte-for-byte, so the
// output is invariant under input map iteration order.
func AuthorizationHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(params[k])
		sb.WriteString(`"`)
	}
	return sb.String()
}
