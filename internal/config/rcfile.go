package config

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// installPrefix is the install-prefix rc directory searched between the
// system-wide and per-user files (§6). Overridable in tests.
var installPrefix = "/usr/local"

// RCPaths returns the config-file search order (§6): /etc/<name>.rc,
// then <install-prefix>/etc/<name>.rc, then $HOME/.<name>.rc. All three
// are optional; later files override earlier ones key by key, and CLI
// flags override all three.
func RCPaths(name string) []string {
	paths := []string{
		filepath.Join("/etc", name+".rc"),
		filepath.Join(installPrefix, "etc", name+".rc"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+name+".rc"))
	}
	return paths
}

// LoadRCFiles reads every existing path in order and merges their key=value
// pairs, later files winning on key collisions. Missing files are skipped
// silently; a present-but-unreadable file is an error.
func LoadRCFiles(paths []string) (map[string]string, error) {
	merged := map[string]string{}
	for _, path := range paths {
		vals, err := parseRCFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for k, v := range vals {
			merged[k] = v
		}
	}
	return merged, nil
}

func parseRCFile(path string) (map[string]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if owned, err := ownedByCallerOrRoot(fi); err == nil && !owned {
		return map[string]string{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vals := map[string]string{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: expected key = value", path, lineNo)
		}
		vals[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return vals, nil
}

// ownedByCallerOrRoot reports whether fi's owning uid is either the
// calling process's uid or root (uid 0), per §6: "A config file owned by
// a different non-root user is ignored."
func ownedByCallerOrRoot(fi os.FileInfo) (bool, error) {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return true, nil // platform without POSIX ownership bits: can't check, don't block
	}
	if stat.Uid == 0 {
		return true, nil
	}
	u, err := user.Current()
	if err != nil {
		return false, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return false, err
	}
	return uint32(stat.Uid) == uint32(uid), nil
}
