package playbook

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/stationd/stationd/pkg/models"
)

// packManifest is the pack.yaml at the root of each capability pack
// directory. Code namespaces the pack; playbook resources live alongside the
// manifest.
type packManifest struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Version     string `yaml:"version,omitempty"`
}

// loadPacks scans each immediate subdirectory of root for a pack.yaml and
// loads its playbook resources. Directories without a manifest are skipped.
func (r *Registry) loadPacks(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("capability packs directory does not exist", "packs_dir", root)
			return nil
		}
		return fmt.Errorf("failed to read packs directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		packDir := filepath.Join(root, entry.Name())
		manifestPath := filepath.Join(packDir, "pack.yaml")
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read pack manifest %s: %w", manifestPath, err)
		}

		var manifest packManifest
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			r.logger.Warn("skipping pack with malformed manifest", "path", manifestPath, "error", err)
			continue
		}
		if manifest.Code == "" {
			r.logger.Warn("skipping pack without code", "path", manifestPath)
			continue
		}

		if err := r.loadDir(os.DirFS(packDir), ".", models.PlaybookSourcePack); err != nil {
			return fmt.Errorf("failed to load pack %s: %w", manifest.Code, err)
		}
		r.logger.Info("loaded capability pack", "pack", manifest.Code, "dir", packDir)
	}
	return nil
}
