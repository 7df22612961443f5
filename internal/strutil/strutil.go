// Package strutil holds small string helpers shared across the service.
package strutil

import (
	"fmt"
	"strings"
)

var truthy = map[string]bool{"y": true, "yes": true, "t": true, "true": true, "on": true, "1": true}
var falsy = map[string]bool{"n": true, "no": true, "f": true, "false": true, "off": true, "0": true}

// ToBool parses the human-friendly boolean spellings accepted on query
// parameters. Anything outside the known truthy and falsy sets is an error.
func ToBool(s string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if truthy[normalized] {
		return true, nil
	}
	if falsy[normalized] {
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value %q", s)
}

// JoinURL joins a base URL with path segments using single slashes,
// regardless of trailing or leading slashes on the inputs.
func JoinURL(base string, segments ...string) string {
	out := strings.TrimRight(base, "/")
	for _, segment := range segments {
		out += "/" + strings.Trim(segment, "/")
	}
	return out
}
