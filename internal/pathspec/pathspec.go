// Package pathspec parses rcp's `[user@]host[:port]:path` path syntax
// (spec.md §6) and resolves `~` against either the local or a remote
// $HOME, as described in SPEC_FULL.md's master orchestrator step 1.
package pathspec

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// Path is a parsed source or destination endpoint.
type Path struct {
	// User, Host and Port are empty for a local path.
	User string
	Host string
	Port string // "" means default (22)

	// RawPath is the path component, possibly still "~"-prefixed; call
	// Resolve to expand it.
	RawPath string

	// TrailingSlash records whether the original spec ended in "/":
	// on the destination this means "copy source into dst" rather than
	// "rename source to dst".
	TrailingSlash bool
}

// IsRemote reports whether this path names a remote host.
func (p Path) IsRemote() bool { return p.Host != "" }

// Parse splits a `[user@]host[:port]:path` spec into its parts. A spec
// with no `:` before the first `/`, or whose prefix doesn't look like a
// host reference, is treated as a local path. Destination specs ending in
// "." or ".." are rejected outright (spec.md §6).
func Parse(spec string, isDestination bool) (Path, error) {
	trailing := strings.HasSuffix(spec, "/")

	if host, port, rest, ok := splitRemote(spec); ok {
		user, host := splitUser(host)
		p := Path{User: user, Host: host, Port: port, RawPath: rest, TrailingSlash: trailing}
		if err := rejectDotDot(p.RawPath, isDestination); err != nil {
			return Path{}, err
		}
		return p, nil
	}

	p := Path{RawPath: spec, TrailingSlash: trailing}
	if err := rejectDotDot(p.RawPath, isDestination); err != nil {
		return Path{}, err
	}
	return p, nil
}

func rejectDotDot(p string, isDestination bool) error {
	if !isDestination {
		return nil
	}
	trimmed := strings.TrimSuffix(p, "/")
	base := path.Base(trimmed)
	if base == "." || base == ".." {
		return fmt.Errorf("pathspec: destination path %q ending in %q is not allowed", p, base)
	}
	return nil
}

// splitRemote detects a `host[:port]:path` prefix. A bare Windows-style
// drive letter ("C:\...") is not a valid rcp remote spec since rcp only
// targets POSIX destinations (spec.md §1 Non-goals), so any single-letter
// host before the first colon is rejected as ambiguous rather than
// silently treated as remote.
func splitRemote(spec string) (hostPort, port, rest string, ok bool) {
	firstSlash := strings.IndexByte(spec, '/')
	firstColon := strings.IndexByte(spec, ':')
	if firstColon < 0 {
		return "", "", "", false
	}
	if firstSlash >= 0 && firstSlash < firstColon {
		return "", "", "", false
	}
	if len(strings.TrimSpace(spec[:firstColon])) <= 1 {
		return "", "", "", false
	}

	hostPart := spec[:firstColon]
	remainder := spec[firstColon+1:]

	if p, after, ok := splitPort(remainder); ok {
		return hostPart, p, after, true
	}
	return hostPart, "", remainder, true
}

// splitPort detects an optional `port:path` prefix in remainder, i.e. the
// second colon of `host:port:path`.
func splitPort(remainder string) (port, rest string, ok bool) {
	idx := strings.IndexByte(remainder, ':')
	if idx < 0 {
		return "", "", false
	}
	candidate := remainder[:idx]
	if _, err := strconv.Atoi(candidate); err != nil {
		return "", "", false
	}
	return candidate, remainder[idx+1:], true
}

func splitUser(hostPart string) (user, host string) {
	if i := strings.IndexByte(hostPart, '@'); i >= 0 {
		return hostPart[:i], hostPart[i+1:]
	}
	return "", hostPart
}

// HomeResolver resolves "~" for a remote host, typically by running
// `echo $HOME` over an already-dialed SSH session (internal/deploy.RemoteHome).
type HomeResolver func() (string, error)

// Resolve expands a leading "~" or "~/" in p.RawPath against either the
// local home directory (mitchellh/go-homedir) or, for a remote path, the
// home directory returned by resolveRemoteHome.
func (p Path) Resolve(resolveRemoteHome HomeResolver) (string, error) {
	raw := p.RawPath
	if raw != "~" && !strings.HasPrefix(raw, "~/") {
		return raw, nil
	}
	var home string
	var err error
	if p.IsRemote() {
		if resolveRemoteHome == nil {
			return "", fmt.Errorf("pathspec: %q needs remote $HOME but no resolver was given", raw)
		}
		home, err = resolveRemoteHome()
	} else {
		home, err = homedir.Dir()
	}
	if err != nil {
		return "", fmt.Errorf("pathspec: resolve home directory for %q: %w", raw, err)
	}
	if raw == "~" {
		return home, nil
	}
	return path.Join(home, strings.TrimPrefix(raw, "~/")), nil
}

// Addr renders "host:port" (or just "host" with the default SSH port
// left for the caller to fill in).
func (p Path) Addr() string {
	if p.Port == "" {
		return p.Host
	}
	return p.Host + ":" + p.Port
}
