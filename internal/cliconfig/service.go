// Package cliconfig holds the file-level config operations behind the
// `config get|set|unset` and `doctor` commands.
package cliconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/localclaw/internal/config"
)

type pathToken struct {
	key   string
	index *int
}

// Get returns the effective config value at a path (dot + bracket notation).
// file selects the config file; empty means config.ConfigPath.
func Get(file, path string) (any, error) {
	cfg, err := config.Load(file)
	if err != nil {
		return nil, err
	}
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	val, ok := getAtPath(m, tokens)
	if !ok {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return val, nil
}

// Set writes a value at path into the config file. Value can be JSON or a
// plain string. The result must still validate, otherwise nothing is written.
func Set(file, path, rawValue string) error {
	cfgMap, cfgPath, err := loadFileConfigMap(file)
	if err != nil {
		return err
	}
	tokens, err := parsePath(path)
	if err != nil {
		return err
	}
	root, err := setAtPath(cfgMap, tokens, parseValue(rawValue))
	if err != nil {
		return err
	}
	rootMap, ok := root.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid config root after set")
	}
	if err := validateMap(rootMap); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return saveFileConfigMap(cfgPath, rootMap)
}

// Unset removes a value at path from the config file.
func Unset(file, path string) error {
	cfgMap, cfgPath, err := loadFileConfigMap(file)
	if err != nil {
		return err
	}
	tokens, err := parsePath(path)
	if err != nil {
		return err
	}
	root, ok, err := unsetAtPath(cfgMap, tokens)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("path not found: %s", path)
	}
	rootMap, rootOK := root.(map[string]any)
	if !rootOK {
		return fmt.Errorf("invalid config root after unset")
	}
	return saveFileConfigMap(cfgPath, rootMap)
}

func resolvePath(file string) (string, error) {
	if file != "" {
		return file, nil
	}
	return config.ConfigPath()
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func toMap(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// validateMap overlays a file map on the defaults and validates the result.
func validateMap(m map[string]any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	cfg := config.DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func loadFileConfigMap(file string) (map[string]any, string, error) {
	cfgPath, err := resolvePath(file)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, cfgPath, nil
		}
		return nil, "", err
	}
	var m map[string]any
	if isYAML(cfgPath) {
		err = yaml.Unmarshal(data, &m)
	} else {
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, "", err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, cfgPath, nil
}

func saveFileConfigMap(cfgPath string, m map[string]any) error {
	var (
		data []byte
		err  error
	)
	if isYAML(cfgPath) {
		data, err = yaml.Marshal(m)
	} else {
		data, err = json.MarshalIndent(m, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(cfgPath, data, 0o600)
}

func parsePath(path string) ([]pathToken, error) {
	s := strings.TrimSpace(path)
	if s == "" {
		return nil, fmt.Errorf("path is empty")
	}
	var out []pathToken
	i := 0
	for i < len(s) {
		if s[i] == '.' {
			i++
			continue
		}

		start := i
		for i < len(s) && s[i] != '.' && s[i] != '[' {
			i++
		}
		if i > start {
			if k := strings.TrimSpace(s[start:i]); k != "" {
				out = append(out, pathToken{key: k})
			}
		}

		for i < len(s) && s[i] == '[' {
			i++
			idxStart := i
			for i < len(s) && s[i] != ']' {
				i++
			}
			if i >= len(s) {
				return nil, fmt.Errorf("invalid path: missing closing ] in %q", path)
			}
			rawIdx := strings.TrimSpace(s[idxStart:i])
			idx, err := strconv.Atoi(rawIdx)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q in %q", rawIdx, path)
			}
			i++
			out = append(out, pathToken{index: &idx})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func getAtPath(root map[string]any, path []pathToken) (any, bool) {
	cur := any(root)
	for _, tok := range path {
		if tok.index != nil {
			arr, ok := cur.([]any)
			if !ok || *tok.index >= len(arr) {
				return nil, false
			}
			cur = arr[*tok.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[tok.key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setAtPath(root map[string]any, path []pathToken, value any) (any, error) {
	if len(path) == 0 {
		return root, fmt.Errorf("path is empty")
	}
	return setNode(root, path, value), nil
}

func setNode(node any, path []pathToken, value any) any {
	if len(path) == 0 {
		return value
	}
	tok, rest := path[0], path[1:]

	if tok.index != nil {
		arr, _ := node.([]any)
		for len(arr) <= *tok.index {
			arr = append(arr, nil)
		}
		arr[*tok.index] = setNode(arr[*tok.index], rest, value)
		return arr
	}

	obj, ok := node.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[tok.key] = setNode(obj[tok.key], rest, value)
	return obj
}

func unsetAtPath(root map[string]any, path []pathToken) (any, bool, error) {
	if len(path) == 0 {
		return root, false, fmt.Errorf("path is empty")
	}
	node, changed := unsetNode(root, path)
	return node, changed, nil
}

func unsetNode(node any, path []pathToken) (any, bool) {
	tok, rest := path[0], path[1:]

	if tok.index != nil {
		arr, ok := node.([]any)
		if !ok || *tok.index >= len(arr) {
			return node, false
		}
		if len(rest) == 0 {
			return append(arr[:*tok.index], arr[*tok.index+1:]...), true
		}
		child, changed := unsetNode(arr[*tok.index], rest)
		if changed {
			arr[*tok.index] = child
		}
		return arr, changed
	}

	obj, ok := node.(map[string]any)
	if !ok {
		return node, false
	}
	child, ok := obj[tok.key]
	if !ok {
		return node, false
	}
	if len(rest) == 0 {
		delete(obj, tok.key)
		return obj, true
	}
	newChild, changed := unsetNode(child, rest)
	if changed {
		obj[tok.key] = newChild
	}
	return obj, changed
}
