package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Path access rules for the HTTP API. An ACL file lets operators move
// endpoints between the read and write roles without rebuilding the
// table in requiredRoleFor: each rule names either an API area
// (layouts, snapshots, decide, ...) or an explicit path, first match
// wins, and the optional default_role applies when nothing matches.
type aclConfig struct {
	DefaultRole string    `yaml:"default_role" json:"default_role"`
	Rules       []aclRule `yaml:"rules" json:"rules"`
}

type aclRule struct {
	Area    string   `yaml:"area" json:"area"`
	Path    string   `yaml:"path" json:"path"`
	Methods []string `yaml:"methods" json:"methods"`
	Role    string   `yaml:"role" json:"role"`
}

// aclAreas maps rule shorthand to the daemon's route prefixes. A rule
// with an area matches every path under the prefix.
var aclAreas = map[string]string{
	"layouts":   "/api/layouts",
	"snapshots": "/api/snapshots",
	"decide":    "/api/decide",
	"dry-run":   "/api/dry-run",
	"audit":     "/api/audit",
	"status":    "/api/status",
	"keys":      "/api/keys",
}

type aclMatcher struct {
	defaultRole apiRole
	hasDefault  bool
	rules       []aclRuleMatcher
}

type aclRuleMatcher struct {
	path    string
	methods map[string]struct{}
	role    apiRole
	prefix  bool
}

func loadACL(path string) (*aclMatcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("acl file %s is empty", path)
	}

	var config aclConfig
	if err := yaml.Unmarshal(payload, &config); err != nil {
		return nil, err
	}
	return compileACL(config)
}

func compileACL(config aclConfig) (*aclMatcher, error) {
	matcher := &aclMatcher{}
	if config.DefaultRole != "" {
		role, err := parseRole(config.DefaultRole)
		if err != nil {
			return nil, fmt.Errorf("default_role: %w", err)
		}
		matcher.defaultRole = role
		matcher.hasDefault = true
	}

	for i, rule := range config.Rules {
		path, prefix, err := rulePath(rule)
		if err != nil {
			return nil, fmt.Errorf("acl rule %d: %w", i+1, err)
		}
		if path == "" {
			continue
		}
		role, err := parseRole(rule.Role)
		if err != nil {
			return nil, fmt.Errorf("acl rule %d (%s): %w", i+1, path, err)
		}
		methods := make(map[string]struct{})
		for _, method := range rule.Methods {
			method = strings.ToUpper(strings.TrimSpace(method))
			if method == "" {
				continue
			}
			methods[method] = struct{}{}
		}
		matcher.rules = append(matcher.rules, aclRuleMatcher{
			path:    path,
			methods: methods,
			role:    role,
			prefix:  prefix,
		})
	}

	return matcher, nil
}

// rulePath resolves a rule to its route: areas map to the daemon's
// prefixes, explicit paths may end in * to match a subtree.
func rulePath(rule aclRule) (path string, prefix bool, err error) {
	if area := strings.ToLower(strings.TrimSpace(rule.Area)); area != "" {
		mapped, ok := aclAreas[area]
		if !ok {
			return "", false, fmt.Errorf("unknown api area %q", area)
		}
		return mapped, true, nil
	}
	path = strings.TrimSpace(rule.Path)
	if strings.HasSuffix(path, "*") {
		return strings.TrimSuffix(path, "*"), true, nil
	}
	return path, false, nil
}

func parseRole(input string) (apiRole, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "read", "r":
		return roleRead, nil
	case "write", "w":
		return roleWrite, nil
	default:
		return roleRead, fmt.Errorf("unknown role %q (want read or write)", input)
	}
}

func (a *aclMatcher) match(r *http.Request) (apiRole, bool) {
	if a == nil || r == nil {
		return roleRead, false
	}
	path := r.URL.Path
	method := strings.ToUpper(r.Method)
	for _, rule := range a.rules {
		if rule.prefix {
			if !strings.HasPrefix(path, rule.path) {
				continue
			}
		} else if path != rule.path {
			continue
		}
		if len(rule.methods) > 0 {
			if _, ok := rule.methods[method]; !ok {
				continue
			}
		}
		return rule.role, true
	}
	return roleRead, false
}

func (a *aclMatcher) requiredRole(r *http.Request, fallback apiRole) apiRole {
	if a == nil {
		return fallback
	}
	if role, ok := a.match(r); ok {
		return role
	}
	if a.hasDefault {
		return a.defaultRole
	}
	return fallback
}
