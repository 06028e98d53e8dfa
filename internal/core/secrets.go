package core

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path. Blank lines and lines
// starting with # are ignored, and surrounding quotes are stripped from
// values. A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("open secrets: %w", err)
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
				v = v[1 : len(v)-1]
			}
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}

// applyDeployOverrides lets secrets.env and then the environment override
// deploy credentials, so they need not live in the config file.
func applyDeployOverrides(cfg *Config, secrets map[string]string) {
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return secrets[key]
	}
	if v := lookup("KILN_DEPLOY_HOST"); v != "" {
		cfg.Deploy.Host = v
	}
	if v := lookup("KILN_DEPLOY_USER"); v != "" {
		cfg.Deploy.User = v
	}
	if v := lookup("KILN_DEPLOY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Deploy.Port = p
		}
	}
	if v := lookup("KILN_DEPLOY_KEY"); v != "" {
		cfg.Deploy.KeyPath = v
	}
	if v := lookup("KILN_DEPLOY_KNOWN_HOSTS"); v != "" {
		cfg.Deploy.KnownHosts = v
	}
	if v := lookup("KILN_DEPLOY_REMOTE_DIR"); v != "" {
		cfg.Deploy.RemoteDir = v
	}
}
