package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFile is the per-workspace configuration file name.
const ConfigFile = ".cosync.yaml"

// FindRoot looks upwards from startDir for a workspace root indicator: a
// .cosync.yaml file or a .git directory. It returns the absolute root.
func FindRoot(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	dir := abs
	for {
		if hasFile(dir, ConfigFile) || hasFile(dir, ".git") {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no workspace root above %s", abs)
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
