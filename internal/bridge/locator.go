package bridge

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultExecutableName is the agent CLI binary looked up when no explicit
// path is configured.
const DefaultExecutableName = "claude"

// commonInstallDirs lists well-known install locations checked after the
// search path, relative entries resolved against the home directory.
var commonInstallDirs = []string{
	"~/.local/bin",
	"~/.claude/local",
	"~/.npm-global/bin",
	"~/bin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// ResolveExecutable locates the agent executable. Resolution order: the
// explicit override, then the execution search path, then a fixed list of
// common install locations. Failure reports every location checked.
func ResolveExecutable(name, override string) (string, error) {
	if name == "" {
		name = DefaultExecutableName
	}

	var searched []string

	if override != "" {
		searched = append(searched, override)
		if isExecutable(override) {
			return override, nil
		}
		return "", &ExecutableNotFoundError{Name: name, Searched: searched}
	}

	searched = append(searched, "$PATH")
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	for _, dir := range commonInstallDirs {
		if dir[0] == '~' {
			if home == "" {
				continue
			}
			dir = filepath.Join(home, dir[1:])
		}
		candidate := filepath.Join(dir, name)
		searched = append(searched, candidate)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	return "", &ExecutableNotFoundError{Name: name, Searched: searched}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
