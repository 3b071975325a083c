// Package whitelist validates requested commands against the configured
// command patterns: argument grammar, working-directory confinement, and
// injection heuristics.
package whitelist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/shellgate/shellgate/internal/config"
)

// Restriction is the working-directory confinement mode of a pattern.
type Restriction int

const (
	RestrictionNone Restriction = iota
	RestrictionProjectOnly
	RestrictionSpecific
)

func (r Restriction) String() string {
	switch r {
	case RestrictionProjectOnly:
		return "project-only"
	case RestrictionSpecific:
		return "specific"
	default:
		return "none"
	}
}

// Pattern is a compiled whitelist entry.
type Pattern struct {
	// Command is the configured command, possibly multi-word ("git push").
	Command string
	// Tokens is Command split into words; Tokens[0] is the executable and
	// the rest must prefix-match the requested arguments.
	Tokens []string

	AllowedArgs          []string
	ArgPatterns          []*regexp.Regexp
	Timeout              time.Duration
	Restriction          Restriction
	AllowedWorkingDirs   []string
	RequiresConfirmation bool
	Description          string
}

// Validator validates commands against compiled patterns.
type Validator struct {
	patterns       []*Pattern
	projectRoots   []string
	defaultTimeout time.Duration
}

// Compile builds a Validator from raw configuration. Regular expressions are
// compiled once here; an invalid one fails the whole compile.
func Compile(patterns []config.Pattern, projectRoots []string, defaultTimeout time.Duration) (*Validator, error) {
	v := &Validator{
		projectRoots:   projectRoots,
		defaultTimeout: defaultTimeout,
	}

	for _, raw := range patterns {
		tokens, err := shellwords.Split(raw.Command)
		if err != nil || len(tokens) == 0 {
			return nil, fmt.Errorf("whitelist entry %q: unparseable command", raw.Command)
		}

		p := &Pattern{
			Command:              raw.Command,
			Tokens:               tokens,
			AllowedArgs:          raw.AllowedArgs,
			Timeout:              time.Duration(raw.TimeoutMS) * time.Millisecond,
			RequiresConfirmation: raw.RequiresConfirmation,
			Description:          raw.Description,
		}

		switch raw.WorkingDirRestriction {
		case "", "none":
			p.Restriction = RestrictionNone
		case "project-only":
			p.Restriction = RestrictionProjectOnly
		case "specific":
			p.Restriction = RestrictionSpecific
			for _, d := range raw.AllowedWorkingDirs {
				p.AllowedWorkingDirs = append(p.AllowedWorkingDirs, filepath.Clean(d))
			}
		default:
			return nil, fmt.Errorf("whitelist entry %q: unknown working_dir_restriction %q", raw.Command, raw.WorkingDirRestriction)
		}

		for _, expr := range raw.ArgPatterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("whitelist entry %q: bad arg pattern %q: %w", raw.Command, expr, err)
			}
			p.ArgPatterns = append(p.ArgPatterns, re)
		}

		v.patterns = append(v.patterns, p)
	}

	return v, nil
}

// Result is the outcome of validating one command request.
type Result struct {
	Allowed              bool
	Reason               string // stable code when denied
	Message              string
	Pattern              *Pattern
	SanitizedArgs        []string
	WorkingDir           string
	Timeout              time.Duration
	RequiresConfirmation bool
}

func deny(reason, format string, v ...any) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, v...)}
}

// Patterns returns the compiled pattern list, for reporting.
func (v *Validator) Patterns() []*Pattern {
	return v.patterns
}

// CheckTrust verifies that the directory shellgate itself was started in is
// one of the configured project roots. Everything else is refused before any
// command validation happens.
func (v *Validator) CheckTrust(startDir string) error {
	if len(v.projectRoots) == 0 {
		return nil
	}
	for _, root := range v.projectRoots {
		if isWithin(root, startDir) {
			return nil
		}
	}
	return fmt.Errorf("UNTRUSTED_ENVIRONMENT: start directory %s is not within any configured project root", startDir)
}

// Validate checks a requested command against the whitelist.
//
// requestedDir is relative to startDir; absolute paths are refused. Every
// argument must be free of injection heuristics and accepted by either the
// literal allow-list or one of the argument patterns.
func (v *Validator) Validate(command string, args []string, requestedDir, startDir string) Result {
	pattern, rest := v.match(command, args)
	if pattern == nil {
		return deny("NOT_WHITELISTED", "command %q is not whitelisted", command)
	}

	for _, arg := range rest {
		if reason := injectionSuspect(arg); reason != "" {
			return deny("INJECTION_SUSPECTED", "argument %q rejected: %s", arg, reason)
		}
		if !pattern.acceptsArg(arg) {
			return deny("NOT_IN_ALLOWLIST", "argument %q is not allowed for %q", arg, pattern.Command)
		}
	}

	if filepath.IsAbs(requestedDir) {
		return deny("ABSOLUTE_PATH_FORBIDDEN", "working directory must be relative, got %q", requestedDir)
	}
	resolved := filepath.Clean(filepath.Join(startDir, requestedDir))

	switch pattern.Restriction {
	case RestrictionProjectOnly:
		ok := false
		for _, root := range v.projectRoots {
			if isWithin(root, resolved) {
				ok = true
				break
			}
		}
		if !ok {
			return deny("OUTSIDE_PROJECT_ROOTS", "%s is outside the configured project roots", resolved)
		}
	case RestrictionSpecific:
		ok := false
		for _, dir := range pattern.AllowedWorkingDirs {
			if isWithin(dir, resolved) {
				ok = true
				break
			}
		}
		if !ok {
			return deny("NOT_IN_SPECIFIC_DIRS", "%s is not an allowed working directory for %q", resolved, pattern.Command)
		}
	}

	// Package managers need a manifest to act on; refusing early beats a
	// confusing child process error.
	if requiresPackageJSON(pattern.Tokens[0]) {
		if _, err := os.Stat(filepath.Join(resolved, "package.json")); err != nil {
			return deny("NO_PACKAGE_JSON", "no package.json in %s", resolved)
		}
	}

	timeout := pattern.Timeout
	if timeout <= 0 {
		timeout = v.defaultTimeout
	}

	return Result{
		Allowed:              true,
		Pattern:              pattern,
		SanitizedArgs:        append(append([]string{}, pattern.Tokens[1:]...), rest...),
		WorkingDir:           resolved,
		Timeout:              timeout,
		RequiresConfirmation: pattern.RequiresConfirmation,
	}
}

// match finds the pattern for command+args. Multi-word patterns consume their
// extra tokens from the front of args; the remaining args are returned for
// per-argument validation. More specific (longer) patterns win.
func (v *Validator) match(command string, args []string) (*Pattern, []string) {
	var best *Pattern
	for _, p := range v.patterns {
		if p.Tokens[0] != command {
			continue
		}
		extra := p.Tokens[1:]
		if len(args) < len(extra) {
			continue
		}
		matched := true
		for i, tok := range extra {
			if args[i] != tok {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if best == nil || len(p.Tokens) > len(best.Tokens) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, args[len(best.Tokens)-1:]
}

func (p *Pattern) acceptsArg(arg string) bool {
	for _, allowed := range p.AllowedArgs {
		if arg == allowed {
			return true
		}
	}
	for _, re := range p.ArgPatterns {
		if re.MatchString(arg) {
			return true
		}
	}
	return false
}

var leadingDangerTokens = map[string]struct{}{
	"sudo": {}, "su": {}, "chmod": {}, "chown": {}, "eval": {}, "exec": {},
}

var fullEnvExpansion = regexp.MustCompile(`^\$\{.*\}$`)

// injectionSuspect returns a non-empty description if the argument trips any
// of the injection heuristics.
func injectionSuspect(arg string) string {
	if strings.ContainsRune(arg, 0) {
		return "embedded NUL"
	}
	if strings.ContainsAny(arg, ";&|<>") {
		return "shell metacharacter"
	}
	if strings.Contains(arg, "`") || strings.Contains(arg, "$(") {
		return "command substitution"
	}
	if fullEnvExpansion.MatchString(arg) {
		return "environment expansion"
	}

	lower := strings.ToLower(strings.TrimSpace(arg))
	if first, _, _ := strings.Cut(lower, " "); first != "" {
		if _, ok := leadingDangerTokens[first]; ok {
			return "dangerous leading token"
		}
	}
	if strings.HasPrefix(lower, "rm -rf") {
		return "dangerous leading token"
	}

	for _, seg := range strings.Split(filepath.ToSlash(arg), "/") {
		if seg == ".." {
			return "path traversal"
		}
	}

	return ""
}

// requiresPackageJSON reports whether the executable is a Node package
// manager that needs a package.json in its working directory.
func requiresPackageJSON(command string) bool {
	switch command {
	case "npm", "npx", "yarn", "pnpm":
		return true
	}
	return false
}

// isWithin reports whether path is root itself or a descendant of root.
func isWithin(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
