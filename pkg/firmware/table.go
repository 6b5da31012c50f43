package firmware

import (
	_ "embed" // for side effect
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed firmware.yaml
var defaultTable []byte

// Images are the firmware versions a hardware revision should run.
type Images struct {
	Target   string `yaml:"target"`
	Fallback string `yaml:"fallback"`
}

// Versions lists the images to keep on disk, target first.
func (i Images) Versions() []string {
	out := []string{i.Target}
	if i.Fallback != "" && i.Fallback != i.Target {
		out = append(out, i.Fallback)
	}
	return out
}

// Table maps hardware revisions to images and archive names to digests.
type Table struct {
	Revisions map[string]Images `yaml:"revisions"`
	Archives  map[string]string `yaml:"archives"`
}

// DefaultTable returns the table compiled into the binary.
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTable)
}

// LoadTable reads a table from path.
func LoadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read firmware table %s", path)
	}
	return ParseTable(raw)
}

// ParseTable decodes a YAML table and checks that every image has a digest.
func ParseTable(raw []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, errors.Wrap(err, "unable to parse firmware table")
	}
	for rev, images := range t.Revisions {
		if images.Target == "" {
			return nil, errors.Errorf("revision %s has no target image", rev)
		}
		for _, v := range images.Versions() {
			if _, ok := t.Hash(v); !ok {
				return nil, errors.Errorf("image %s for revision %s has no archive digest", v, rev)
			}
		}
	}
	return &t, nil
}

// Lookup returns the images for a hardware revision.
func (t *Table) Lookup(revision string) (Images, bool) {
	images, ok := t.Revisions[revision]
	return images, ok
}

// ArchiveName is the file name a version is published under.
func ArchiveName(version string) string {
	return version + ".tgz"
}

// Hash returns the expected SHA-256 of a version's archive.
func (t *Table) Hash(version string) (string, bool) {
	h, ok := t.Archives[ArchiveName(version)]
	return h, ok
}
