package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTasksBareArray(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.json",
		`[{"id": "t1", "category": "framework"}, {"id": "t2"}]`)
	tasks, err := loadTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestLoadTasksWrappedRecommendations(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.json",
		`{"recommendations": [{"id": "r1", "rationale": "drop eol framework"}]}`)
	tasks, err := loadTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "r1", tasks[0].ID)
}

func TestLoadTasksInvalidJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.json", `{broken`)
	_, err := loadTasks(path)
	assert.Error(t, err)
}

func TestBuildRepoContextSkipsVendorDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")
	writeFile(t, dir, "app/main.go", "package main\n")
	writeFile(t, dir, ".git/config", "[core]\n")
	writeFile(t, dir, "node_modules/dep/index.js", "x")

	rc, err := buildRepoContext(dir)
	require.NoError(t, err)
	assert.Contains(t, rc.FileListing, "go.mod")
	assert.Contains(t, rc.FileListing, "app/main.go")
	assert.NotContains(t, rc.FileListing, ".git/config")
	assert.NotContains(t, rc.FileListing, "node_modules/dep/index.js")
	assert.Contains(t, rc.Metadata, "go.mod")
}
