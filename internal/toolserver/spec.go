package toolserver

import (
	"fmt"
	"strings"
)

// ServerSpec describes one configured tool server. Specs come from
// configuration with any $VAR references already resolved, and are never
// mutated here.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Separator joins a server name and a raw tool name into the namespaced
// form "<server>__<tool>". Server names must not contain it, which makes
// the reverse split unambiguous even when one server name is a prefix of
// another ("git" vs "github").
const Separator = "__"

// ValidateSpec checks a spec before any process is started.
func ValidateSpec(spec ServerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool server spec: name is required")
	}
	if strings.Contains(spec.Name, Separator) {
		return fmt.Errorf("tool server %q: name must not contain %q", spec.Name, Separator)
	}
	if strings.ContainsAny(spec.Name, " \t\n") {
		return fmt.Errorf("tool server %q: name must not contain whitespace", spec.Name)
	}
	if spec.Command == "" {
		return fmt.Errorf("tool server %q: command is required", spec.Name)
	}
	return nil
}

// NamespacedName returns the externally visible name for a server's tool.
func NamespacedName(server, tool string) string {
	return server + Separator + tool
}

// SplitName parses a namespaced tool name back into (server, tool). The
// split is on the first separator occurrence, so tool names containing the
// separator survive the round trip.
func SplitName(namespaced string) (server, tool string, err error) {
	i := strings.Index(namespaced, Separator)
	if i <= 0 || i+len(Separator) >= len(namespaced) {
		return "", "", fmt.Errorf("%q is not a namespaced tool name", namespaced)
	}
	return namespaced[:i], namespaced[i+len(Separator):], nil
}
