package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusops/iamsync/pkg/schema"
)

func writeTemplate(t *testing.T, dir string, tpl *Template) string {
	t.Helper()
	tpl.FilePath = PathFor(tpl, dir)
	require.NoError(t, Write(tpl))
	return tpl.FilePath
}

func TestLoadAllAndPrune(t *testing.T) {
	dir := t.TempDir()

	writeTemplate(t, dir, &Template{TemplateType: TypeRole, Identifier: "deployer", Scope: sc("*")})
	writeTemplate(t, dir, &Template{TemplateType: TypeGroup, Identifier: "engineers", Scope: sc("alpha")})

	// A malformed file must not abort loading of its siblings.
	badPath := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("template_type: [unclosed"), 0o644))

	templates, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	observed := map[string]struct{}{
		ObservedKey(schema.KindRole, "deployer"): {},
	}
	require.NoError(t, Prune(dir, observed))

	templates, err = LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "deployer", templates[0].Identifier)

	// Unparseable files survive pruning.
	_, err = os.Stat(badPath)
	assert.NoError(t, err)
}

func TestLoadRejectsUnknownTemplateType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mystery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("template_type: aws:iam:mystery\nidentifier: x\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWriteRequiresFilePath(t *testing.T) {
	err := Write(&Template{TemplateType: TypeRole, Identifier: "deployer"})
	assert.Error(t, err)
}
