package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/util"
)

// ImportResult holds records converted from an OpenSSH client config.
type ImportResult struct {
	Records  []model.ServerRecord
	Warnings []string
}

// hostBlock is one Host section with its directives, keys lowercased.
type hostBlock struct {
	patterns []string
	values   map[string][]string
	source   string
}

// DefaultSSHConfigPath returns ~/.ssh/config.
func DefaultSSHConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// ImportSSHConfig reads an OpenSSH client config, following Include
// directives, and converts every concrete Host alias into a ServerRecord.
// LocalForward lines become tunnels. Directives hshell cannot honor are
// reported as warnings.
func ImportSSHConfig(path string) (ImportResult, error) {
	r := &reader{seen: map[string]bool{}}
	blocks, err := r.read(path, 0)
	if err != nil {
		return ImportResult{}, err
	}
	records, warnings := buildRecords(blocks)
	return ImportResult{Records: records, Warnings: append(r.warnings, warnings...)}, nil
}

type reader struct {
	seen     map[string]bool
	warnings []string
}

func (r *reader) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *reader) read(path string, depth int) ([]hostBlock, error) {
	if depth > util.MaxIncludeDepth {
		return nil, fmt.Errorf("include depth exceeded at %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r.seen[abs] {
		r.warnf("include cycle skipped: %s", abs)
		return nil, nil
	}
	r.seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.warnf("config file not found: %s", abs)
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	var blocks []hostBlock
	cur := hostBlock{patterns: []string{"*"}, values: map[string][]string{}, source: abs}
	started := false
	flush := func() {
		if started || len(cur.values) > 0 {
			blocks = append(blocks, cur)
		}
	}

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripInlineComment(strings.TrimSpace(sc.Text()))
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			r.warnf("%s:%d invalid directive", abs, lineNo)
			continue
		}
		switch key = strings.ToLower(key); key {
		case "include":
			for _, pattern := range strings.Fields(value) {
				blocks = append(blocks, r.include(abs, lineNo, pattern, depth)...)
			}
		case "host":
			flush()
			patterns := strings.Fields(value)
			if len(patterns) == 0 {
				r.warnf("%s:%d Host missing patterns", abs, lineNo)
				patterns = []string{"*"}
			}
			cur = hostBlock{patterns: patterns, values: map[string][]string{}, source: abs}
			started = true
		default:
			cur.values[key] = append(cur.values[key], value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, err)
	}
	flush()
	return blocks, nil
}

func (r *reader) include(from string, lineNo int, pattern string, depth int) []hostBlock {
	p := expandHome(pattern)
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(from), p)
	}
	matches, err := filepath.Glob(p)
	if err != nil {
		r.warnf("%s:%d bad include pattern %q", from, lineNo, pattern)
		return nil
	}
	if len(matches) == 0 {
		r.warnf("%s:%d include matched nothing: %q", from, lineNo, pattern)
	}
	sort.Strings(matches)
	var out []hostBlock
	for _, m := range matches {
		child, err := r.read(m, depth+1)
		if err != nil {
			r.warnf("include %s failed: %v", m, err)
			continue
		}
		out = append(out, child...)
	}
	return out
}

// buildRecords resolves each concrete alias against every matching block.
// Like OpenSSH, the first value seen for a directive wins.
func buildRecords(blocks []hostBlock) ([]model.ServerRecord, []string) {
	aliasSet := map[string]struct{}{}
	for _, b := range blocks {
		for _, p := range b.patterns {
			if isConcreteAlias(p) {
				aliasSet[p] = struct{}{}
			}
		}
	}
	aliases := make([]string, 0, len(aliasSet))
	for a := range aliasSet {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	var warnings []string
	records := make([]model.ServerRecord, 0, len(aliases))
	for _, alias := range aliases {
		rec := model.ServerRecord{ID: uuid.NewString(), Name: alias}
		first := func(key string) (string, bool) {
			for _, b := range blocks {
				if !matchesAny(alias, b.patterns) {
					continue
				}
				if vals := b.values[key]; len(vals) > 0 {
					return vals[0], true
				}
			}
			return "", false
		}
		rec.Host = alias
		if v, ok := first("hostname"); ok {
			rec.Host = v
		}
		if v, ok := first("user"); ok {
			rec.Username = v
		}
		if v, ok := first("port"); ok {
			if p, err := util.ParsePort(v); err == nil {
				rec.Port = p
			} else {
				warnings = append(warnings, fmt.Sprintf("%s: %v", alias, err))
			}
		}
		if rec.Port == 0 {
			rec.Port = model.DefaultSSHPort
		}
		if v, ok := first("identityfile"); ok {
			rec.KeyPath = expandHome(v)
		}
		if _, ok := first("proxyjump"); ok {
			warnings = append(warnings, fmt.Sprintf("%s: ProxyJump is not supported, connecting directly", alias))
		}
		for _, b := range blocks {
			if !matchesAny(alias, b.patterns) {
				continue
			}
			for _, lf := range b.values["localforward"] {
				spec, warn, ok := parseLocalForward(lf)
				if warn != "" {
					warnings = append(warnings, fmt.Sprintf("%s: %s", alias, warn))
				}
				if ok {
					rec.Tunnels = append(rec.Tunnels, spec)
				}
			}
		}
		if rec.Username == "" {
			warnings = append(warnings, fmt.Sprintf("%s: no User set; edit the server before connecting", alias))
		}
		records = append(records, rec)
	}
	return records, warnings
}

// parseLocalForward converts "[bind:]port host:hostport". Non-loopback bind
// addresses are ignored since tunnels always listen on 127.0.0.1.
func parseLocalForward(v string) (model.TunnelSpec, string, bool) {
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return model.TunnelSpec{}, fmt.Sprintf("LocalForward %q: expected two fields", v), false
	}
	bind, localPort, ok := splitEndpoint(parts[0])
	if !ok {
		return model.TunnelSpec{}, fmt.Sprintf("LocalForward %q: bad local endpoint", v), false
	}
	remoteHost, remotePort, ok := splitEndpoint(parts[1])
	if !ok || remoteHost == "" {
		return model.TunnelSpec{}, fmt.Sprintf("LocalForward %q: bad remote endpoint", v), false
	}
	spec := model.TunnelSpec{
		Name:       fmt.Sprintf("%d", localPort),
		LocalPort:  localPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
	}
	var warn string
	switch bind {
	case "", "127.0.0.1", "localhost":
	default:
		warn = fmt.Sprintf("LocalForward %q: bind address %s replaced by 127.0.0.1", v, bind)
	}
	return spec, warn, true
}

func splitEndpoint(s string) (string, int, bool) {
	host := ""
	portStr := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		host = strings.Trim(s[:i], "[]")
		portStr = s[i+1:]
	}
	p, err := util.ParsePort(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, p, true
}

func matchesAny(alias string, patterns []string) bool {
	matched := false
	for _, p := range patterns {
		negated := strings.HasPrefix(p, "!")
		ok, err := filepath.Match(strings.TrimPrefix(p, "!"), alias)
		if err != nil || !ok {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

func isConcreteAlias(pattern string) bool {
	return pattern != "" && !strings.HasPrefix(pattern, "!") && !strings.ContainsAny(pattern, "*?")
}

func splitDirective(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t=")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(strings.TrimLeft(line[i:], " \t="))
	return key, value, key != "" && value != ""
}

func stripInlineComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return line
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
