package main

import (
	"fmt"
	"sort"
	"strings"
)

func normalizeName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

// resolveNamedID maps a user-typed label to its id. An exact match wins;
// otherwise a unique prefix is accepted.
func resolveNamedID(kind, input string, options map[string]string) (string, error) {
	needle := normalizeName(input)
	var prefixed []string
	for label, id := range options {
		name := normalizeName(label)
		if name == needle {
			return id, nil
		}
		if needle != "" && strings.HasPrefix(name, needle) {
			prefixed = append(prefixed, label)
		}
	}
	if len(prefixed) == 1 {
		return options[prefixed[0]], nil
	}

	available := make([]string, 0, len(options))
	for label := range options {
		available = append(available, label)
	}
	sort.Strings(available)
	if len(prefixed) > 1 {
		sort.Strings(prefixed)
		return "", fmt.Errorf("%s %q is ambiguous: %s", kind, input, strings.Join(prefixed, ", "))
	}
	return "", fmt.Errorf("%s %q not found. Available: %s", kind, input, strings.Join(available, ", "))
}
