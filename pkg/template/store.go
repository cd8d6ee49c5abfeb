package template

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	errUtils "github.com/stratusops/iamsync/errors"
	"github.com/stratusops/iamsync/pkg/schema"
)

const (
	templateFileMode = 0o644
	templateDirMode  = 0o755
	yamlIndent       = 2
)

// templateGlob matches every template file under the templates dir.
const templateGlob = "**/*.{yaml,yml}"

// Load reads and parses one template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "reading template %s", path)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, pkgerrors.Wrapf(err, "parsing template %s", path)
	}
	if _, ok := KindForType(t.TemplateType); !ok {
		return nil, fmt.Errorf("%w: %q in %s", errUtils.ErrUnknownTemplateType, t.TemplateType, path)
	}
	t.FilePath = path
	return &t, nil
}

// LoadAll loads every template under the templates dir. A single malformed
// file is logged and skipped; it does not abort loading of sibling templates.
func LoadAll(templatesDir string) ([]*Template, error) {
	matches, err := doublestar.Glob(os.DirFS(templatesDir), templateGlob)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "globbing templates under %s", templatesDir)
	}
	var templates []*Template
	for _, match := range matches {
		t, err := Load(filepath.Join(templatesDir, match))
		if err != nil {
			log.Error("skipping malformed template", "file", match, "error", err)
			continue
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// Write marshals the template and writes it to its FilePath, creating parent
// directories as needed.
func Write(t *Template) error {
	if t.FilePath == "" {
		return fmt.Errorf("template %s has no file path", t.Identifier)
	}
	if err := os.MkdirAll(filepath.Dir(t.FilePath), templateDirMode); err != nil {
		return pkgerrors.Wrapf(err, "creating template dir for %s", t.Identifier)
	}
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(t.FilePath, data, templateFileMode)
}

// Marshal renders a template as YAML with the standard indent.
func Marshal(t *Template) ([]byte, error) {
	var buf yamlBuffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(yamlIndent)
	if err := enc.Encode(t); err != nil {
		return nil, pkgerrors.Wrapf(err, "marshaling template %s", t.Identifier)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.data, nil
}

type yamlBuffer struct {
	data []byte
}

func (b *yamlBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Delete removes the template's file. Empty parent directories are left in
// place; git ignores them anyway.
func Delete(t *Template) error {
	if t.FilePath == "" {
		return nil
	}
	if err := os.Remove(t.FilePath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "deleting template %s", t.FilePath)
	}
	return nil
}

// Prune deletes every template file under templatesDir whose (kind,
// identifier) was not observed in the current run. Callers skip pruning for
// partial runs to avoid false deletes.
func Prune(templatesDir string, observed map[string]struct{}) error {
	matches, err := doublestar.Glob(os.DirFS(templatesDir), templateGlob)
	if err != nil {
		return pkgerrors.Wrapf(err, "globbing templates under %s", templatesDir)
	}
	for _, match := range matches {
		path := filepath.Join(templatesDir, match)
		t, err := Load(path)
		if err != nil {
			// Unparseable files are the user's problem, not orphans.
			continue
		}
		if _, ok := observed[ObservedKey(t.Kind(), t.Identifier)]; ok {
			continue
		}
		log.Info("pruning orphaned template", "file", match, "identifier", t.Identifier)
		if err := os.Remove(path); err != nil && !errIsNotExist(err) {
			return pkgerrors.Wrapf(err, "pruning template %s", path)
		}
	}
	return nil
}

func errIsNotExist(err error) bool {
	var pathErr *fs.PathError
	return os.IsNotExist(err) || (errors.As(err, &pathErr) && os.IsNotExist(pathErr))
}

// ObservedKey builds the key used to track which resources a run discovered.
func ObservedKey(kind schema.ResourceKind, identifier string) string {
	return fmt.Sprintf("%s/%s", kind, identifier)
}
