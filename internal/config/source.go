package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// readSource reads a config file and returns it as JSON. Files ending in
// .yaml or .yml are converted so the rest of the loader sees one format.
func readSource(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if !isYAML(path) {
		return data, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting config YAML: %w", err)
	}
	return out, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadEnvFiles loads dotenv files into the process environment. A leading ~
// expands to the home directory. Variables already set are not overwritten.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("loading env file %s: %w", file, err)
		}
	}
	return nil
}
