package tempdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type TempDirFixture struct {
	t   testing.TB
	dir string
}

func NewTempDirFixture(t testing.TB) *TempDirFixture {
	name := strings.ReplaceAll(t.Name(), string(filepath.Separator), "_")
	dir, err := os.MkdirTemp("", name)
	if err != nil {
		t.Fatalf("Error making temp dir: %v", err)
	}

	f := &TempDirFixture{
		t:   t,
		dir: dir,
	}
	t.Cleanup(f.TearDown)
	return f
}

func (f *TempDirFixture) T() testing.TB {
	return f.t
}

func (f *TempDirFixture) Path() string {
	return f.dir
}

func (f *TempDirFixture) JoinPath(path ...string) string {
	p := []string{f.Path()}
	p = append(p, path...)
	return filepath.Join(p...)
}

// WriteFile writes contents to a path relative to the fixture root and
// returns the absolute path.
func (f *TempDirFixture) WriteFile(path string, contents string) string {
	fullPath := f.JoinPath(path)
	base := filepath.Dir(fullPath)
	err := os.MkdirAll(base, os.FileMode(0777))
	if err != nil {
		f.t.Fatal(err)
	}
	err = os.WriteFile(fullPath, []byte(contents), os.FileMode(0777))
	if err != nil {
		f.t.Fatal(err)
	}
	return fullPath
}

func (f *TempDirFixture) MkdirAll(path string) string {
	fullPath := f.JoinPath(path)
	if err := os.MkdirAll(fullPath, os.FileMode(0777)); err != nil {
		f.t.Fatal(err)
	}
	return fullPath
}

func (f *TempDirFixture) Rm(pathInRepo string) {
	fullPath := filepath.Join(f.Path(), pathInRepo)
	err := os.RemoveAll(fullPath)
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *TempDirFixture) TearDown() {
	_ = os.RemoveAll(f.dir)
}
