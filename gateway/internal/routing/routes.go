package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LimitRule is a fine-tier rate-limit policy attached to a route. Identity
// is the authenticated principal on protected routes and the client IP
// otherwise.
type LimitRule struct {
	Name          string   `json:"name"`
	Methods       []string `json:"methods"`
	Points        int      `json:"points"`
	WindowSeconds int      `json:"window_seconds"`
}

// Route maps one externally-versioned path prefix to an upstream service.
type Route struct {
	Prefix    string      `json:"prefix"`
	Upstream  string      `json:"upstream"`
	Rewrite   string      `json:"rewrite"`
	Protected bool        `json:"protected"`
	Limits    []LimitRule `json:"limits"`
}

type Config struct {
	Routes []Route `json:"routes"`
}

type Resolver struct {
	Config Config
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	if len(cfg.Routes) == 0 {
		return Resolver{}, errors.New("routes config must define routes")
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		r.Prefix = strings.TrimRight(strings.TrimSpace(r.Prefix), "/")
		r.Upstream = strings.TrimRight(strings.TrimSpace(r.Upstream), "/")
		r.Rewrite = strings.TrimRight(strings.TrimSpace(r.Rewrite), "/")
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return Resolver{}, fmt.Errorf("route %d: prefix must start with /", i)
		}
		if r.Upstream == "" {
			return Resolver{}, fmt.Errorf("route %q: upstream is required", r.Prefix)
		}
		for _, rule := range r.Limits {
			if strings.TrimSpace(rule.Name) == "" {
				return Resolver{}, fmt.Errorf("route %q: limit rule name is required", r.Prefix)
			}
			if rule.Points <= 0 || rule.WindowSeconds <= 0 {
				return Resolver{}, fmt.Errorf("route %q: limit rule %q must set points and window_seconds", r.Prefix, rule.Name)
			}
		}
	}
	return Resolver{Config: cfg}, nil
}

// Match selects the route with the longest matching prefix.
func (r Resolver) Match(path string) (Route, bool) {
	var best Route
	found := false
	for _, route := range r.Config.Routes {
		if path != route.Prefix && !strings.HasPrefix(path, route.Prefix+"/") {
			continue
		}
		if !found || len(route.Prefix) > len(best.Prefix) {
			best = route
			found = true
		}
	}
	return best, found
}

// RewritePath translates the external path into the upstream's namespace.
func (rt Route) RewritePath(path string) string {
	rest := strings.TrimPrefix(path, rt.Prefix)
	out := rt.Rewrite + rest
	if out == "" {
		return "/"
	}
	return out
}

// LimitFor returns the first rule covering the method. A rule with no
// methods covers every method.
func (rt Route) LimitFor(method string) (LimitRule, bool) {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, rule := range rt.Limits {
		if len(rule.Methods) == 0 {
			return rule, true
		}
		for _, m := range rule.Methods {
			if strings.ToUpper(strings.TrimSpace(m)) == method {
				return rule, true
			}
		}
	}
	return LimitRule{}, false
}

// DefaultRoutesPath resolves the per-environment routes file when no
// explicit path is configured.
func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".gateway.routes.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}
