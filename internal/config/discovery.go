package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiscoverConfigPath finds the configuration file in dir using the default
// naming convention and precedence.
//
// Precedence:
//  1. burrowd.toml
//  2. burrowd.yaml
//  3. burrowd.yml
//  4. burrowd.json
func DiscoverConfigPath(dir string) (string, error) {
	candidates := CandidateConfigPaths(dir)
	for _, p := range candidates {
		if isRegularFile(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found in %s; looked for %v", dir, candidates)
}

func CandidateConfigPaths(dir string) []string {
	return []string{
		filepath.Join(dir, "burrowd.toml"),
		filepath.Join(dir, "burrowd.yaml"),
		filepath.Join(dir, "burrowd.yml"),
		filepath.Join(dir, "burrowd.json"),
	}
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}
