package audio

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ErrSoxNotFound means no tempo executable was found.
var ErrSoxNotFound = errors.New("sox executable not found")

func soxName() string {
	if runtime.GOOS == "windows" {
		return "sox.exe"
	}
	return "sox"
}

// LocateSox resolves the tempo executable. Search order is the explicit
// override, locations bundled next to the running binary, PATH, then per-user
// package manager locations.
func LocateSox(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		if isExecutableFile(override) {
			return override, nil
		}
	}
	for _, candidate := range bundledSoxCandidates() {
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("sox"); err == nil {
		return path, nil
	}
	for _, candidate := range userSoxCandidates() {
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}
	return "", ErrSoxNotFound
}

func bundledSoxCandidates() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	dir := filepath.Dir(exe)
	name := soxName()
	return []string{
		filepath.Join(dir, name),
		filepath.Join(dir, "sox", name),
		filepath.Join(dir, "binaries", "sox", name),
		filepath.Join(dir, "binaries", name),
		filepath.Join(dir, "resources", "binaries", "sox", name),
	}
}

func userSoxCandidates() []string {
	if runtime.GOOS == "windows" {
		local := strings.TrimSpace(os.Getenv("LOCALAPPDATA"))
		if local == "" {
			return nil
		}
		root := filepath.Join(local, "Microsoft", "WinGet", "Packages")
		packages, _ := filepath.Glob(filepath.Join(root, "ChrisBagwell.SoX_*"))
		sort.Strings(packages)
		var out []string
		for _, pkg := range packages {
			nested, _ := filepath.Glob(filepath.Join(pkg, "sox-*", "sox.exe"))
			sort.Strings(nested)
			out = append(out, nested...)
			out = append(out, filepath.Join(pkg, "sox.exe"))
		}
		return out
	}
	out := []string{"/opt/homebrew/bin/sox", "/usr/local/bin/sox"}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".local", "bin", "sox"))
	}
	return out
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
