// Package git derives the CI project of a working copy from its origin remote.
package git

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/waabox/cilens/internal/domain"
)

// ErrNoRepository is returned when no .git directory is found.
var ErrNoRepository = errors.New("not inside a git repository")

// DetectRepository finds the nearest .git directory at or above dir and
// returns a Repository built from its origin remote URL.
func DetectRepository(dir string) (domain.Repository, error) {
	root, err := findGitDir(dir)
	if err != nil {
		return domain.Repository{}, err
	}
	f, err := os.Open(filepath.Join(root, "config"))
	if err != nil {
		return domain.Repository{}, fmt.Errorf("could not open .git/config: %w", err)
	}
	defer f.Close()

	var inOrigin bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == `[remote "origin"]` {
			inOrigin = true
			continue
		}
		if inOrigin && strings.HasPrefix(line, "[") {
			break
		}
		if inOrigin && strings.HasPrefix(line, "url") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				return ParseRemoteURL(strings.TrimSpace(parts[1]))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.Repository{}, fmt.Errorf("reading .git/config: %w", err)
	}
	return domain.Repository{}, errors.New("no origin remote found in .git/config")
}

func findGitDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		candidate := filepath.Join(abs, ".git")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("%s: %w", dir, ErrNoRepository)
		}
		abs = parent
	}
}

// ParseRemoteURL parses a git remote URL and returns a Repository.
// Supports HTTPS (https://gitlab.com/group/sub/repo.git), scp-like SSH
// (git@github.com:owner/repo.git) and ssh:// URLs. Owner holds every path
// segment but the last, so GitLab subgroups survive.
// Credentials embedded in the URL are stripped from RemoteURL.
func ParseRemoteURL(rawURL string) (domain.Repository, error) {
	var host, path string

	switch {
	case strings.HasPrefix(rawURL, "git@"):
		parts := strings.SplitN(strings.TrimPrefix(rawURL, "git@"), ":", 2)
		if len(parts) != 2 {
			return domain.Repository{}, fmt.Errorf("invalid SSH remote URL: %s", rawURL)
		}
		host, path = parts[0], parts[1]
	case strings.HasPrefix(rawURL, "https://"), strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "ssh://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return domain.Repository{}, fmt.Errorf("invalid remote URL: %w", err)
		}
		u.User = nil
		rawURL = u.String()
		host, path = u.Hostname(), u.Path
	default:
		return domain.Repository{}, fmt.Errorf("unsupported remote URL format: %s", rawURL)
	}

	path = strings.Trim(strings.TrimSuffix(strings.Trim(path, "/"), ".git"), "/")
	i := strings.LastIndex(path, "/")
	if host == "" || i <= 0 || i == len(path)-1 {
		return domain.Repository{}, fmt.Errorf("invalid remote URL path: %s", rawURL)
	}
	return domain.Repository{
		Owner:     path[:i],
		Name:      path[i+1:],
		RemoteURL: rawURL,
	}, nil
}
