package ledger

import (
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest describes the contents of a ledger archive.
type Manifest struct {
	Version   string         `yaml:"version"`
	CreatedAt time.Time      `yaml:"created_at"`
	Encrypted bool           `yaml:"encrypted"`
	Files     []ManifestFile `yaml:"files"`
}

// ManifestFile describes one JSONL file within the archive.
type ManifestFile struct {
	Name    string `yaml:"name"`
	Records int    `yaml:"records"`
	Size    int64  `yaml:"size"`
	SHA256  string `yaml:"sha256"`
}

// File returns the entry for name.
func (m Manifest) File(name string) (ManifestFile, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return ManifestFile{}, false
}

func (m Manifest) marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
