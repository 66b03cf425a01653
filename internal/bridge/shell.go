package bridge

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultShell resolves the platform default shell: $SHELL when it validates,
// then a per-OS chain.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" && ValidateShell(sh) == nil {
		return sh
	}
	for _, sh := range platformShells() {
		if ValidateShell(sh) == nil {
			return sh
		}
	}
	return "/bin/sh"
}

// ShellCandidates builds the ordered fallback list for resilient terminal
// creation: the preferred shell first (only when it validates), then the
// platform alternatives, deduplicated.
func ShellCandidates(preferred string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(sh string) {
		if sh == "" {
			return
		}
		if _, dup := seen[sh]; dup {
			return
		}
		seen[sh] = struct{}{}
		out = append(out, sh)
	}

	if preferred != "" && ValidateShell(preferred) == nil {
		add(preferred)
	}
	if sh := os.Getenv("SHELL"); sh != "" && ValidateShell(sh) == nil {
		add(sh)
	}
	for _, sh := range platformShells() {
		if ValidateShell(sh) == nil {
			add(sh)
		}
	}
	add("/bin/sh")
	return out
}

func platformShells() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/bin/zsh", "/bin/bash", "/bin/sh"}
	default:
		return []string{"/bin/bash", "/usr/bin/bash", "/bin/zsh", "/bin/sh"}
	}
}

// ValidateShell checks that a candidate is present AND executable. Spawning
// a file that exists without the execute bit produces a confusing low-level
// error, so the permission check happens here, up front.
func ValidateShell(path string) error {
	if !strings.ContainsRune(path, os.PathSeparator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrShellNotFound, path)
		}
		path = resolved
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrShellNotFound, path)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrShellNotFound, path)
	}
	return nil
}

// ResolveCwd validates a working directory and falls back through
// requested → home → temp → root. A dir the process cannot read or traverse
// is treated as missing.
func ResolveCwd(requested string) string {
	if dirUsable(requested) {
		return requested
	}
	if home, err := os.UserHomeDir(); err == nil && dirUsable(home) {
		return home
	}
	if tmp := os.TempDir(); dirUsable(tmp) {
		return tmp
	}
	return "/"
}

func dirUsable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	// Spawning a shell there needs read AND search permission; a readable
	// but non-traversable directory would fail at chdir time instead.
	return unix.Access(path, unix.R_OK|unix.X_OK) == nil
}

// BuildEnv produces the child environment: the inherited environment with
// TERM pinned, PATH augmented, and the caller's overrides applied last.
// The parent's own environment is never mutated.
func BuildEnv(overrides map[string]string) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	env["TERM"] = "xterm-256color"
	if runtime.GOOS != "windows" {
		env["PATH"] = AugmentPath(env["PATH"])
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env
}

// AugmentPath appends well-known binary directories that GUI-launched
// processes routinely lack, since they never source a login shell.
func AugmentPath(path string) string {
	known := []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin", "/usr/sbin", "/sbin"}
	have := make(map[string]struct{})
	for _, p := range strings.Split(path, ":") {
		have[p] = struct{}{}
	}
	for _, p := range known {
		if _, ok := have[p]; !ok {
			if path == "" {
				path = p
			} else {
				path += ":" + p
			}
		}
	}
	return path
}
