package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandConfigEnv substitutes ${VAR} references in string scalars and reports
// the variables that were not set.
func expandConfigEnv(raw []byte) (string, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return "", nil, fmt.Errorf("parse config: %w", err)
	}

	missing := make(map[string]struct{})
	walk(&root, missing)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return "", nil, fmt.Errorf("encode expanded config: %w", err)
	}
	return string(out), sortedKeys(missing), nil
}

func walk(node *yaml.Node, missing map[string]struct{}) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			walk(child, missing)
		}
	case yaml.MappingNode:
		// keys stay literal
		for i := 1; i < len(node.Content); i += 2 {
			walk(node.Content[i], missing)
		}
	case yaml.ScalarNode:
		substitute(node, missing)
	}
}

func substitute(node *yaml.Node, missing map[string]struct{}) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}
	value := os.Expand(node.Value, func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		missing[key] = struct{}{}
		return ""
	})
	if value == node.Value {
		return
	}
	if node.Style != 0 {
		// quoted scalars keep their string type
		node.Tag = "!!str"
		node.Value = value
		return
	}
	node.Tag, node.Value = retag(value)
}

// retag lets `port: ${PORT}` decode as a number and `enabled: ${FLAG}` as a bool.
func retag(value string) (string, string) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "!!str", value
	}
	switch strings.ToLower(trimmed) {
	case "true", "false":
		return "!!bool", strings.ToLower(trimmed)
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return "!!int", strconv.FormatInt(n, 10)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return "!!float", strconv.FormatFloat(f, 'f', -1, 64)
	}
	return "!!str", value
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
