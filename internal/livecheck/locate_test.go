package livecheck

import (
	"net/http"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/internal/testutils"
	"github.com/tilt-dev/testrig/internal/testutils/httptest"
	"github.com/tilt-dev/testrig/internal/testutils/tempdir"
)

const downloadURL = "https://example.com/weaver"

func TestLocateOverride(t *testing.T) {
	f := newLocateFixture(t)
	bin := f.tmp.WriteFile("custom/weaver", "#!/bin/sh\n")
	f.locator.Override = bin

	p, err := f.locator.Locate(testutils.CtxForTest())
	require.NoError(t, err)
	assert.Equal(t, bin, p)
}

func TestLocateFallsBackToPath(t *testing.T) {
	f := newLocateFixture(t)
	f.locator.Override = f.tmp.JoinPath("missing")
	f.locator.LookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }

	p, err := f.locator.Locate(testutils.CtxForTest())
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/weaver", p)
}

func TestLocateSearchDirs(t *testing.T) {
	f := newLocateFixture(t)
	notExec := f.tmp.WriteFile("a/weaver", "")
	require.NoError(t, os.Chmod(notExec, 0644))
	bin := f.tmp.WriteFile("b/weaver", "#!/bin/sh\n")
	f.locator.SearchDirs = []string{f.tmp.JoinPath("a"), f.tmp.JoinPath("b")}

	p, err := f.locator.Locate(testutils.CtxForTest())
	require.NoError(t, err)
	assert.Equal(t, bin, p)
}

func TestLocateDownloads(t *testing.T) {
	f := newLocateFixture(t)
	f.http.SetURLResponse(downloadURL, http.StatusOK, "#!/bin/sh\necho weaver 0.16.1\n")
	f.locator.CacheDir = f.tmp.JoinPath("cache")
	f.locator.Downloader = HTTPDownloader{Client: f.http, URL: downloadURL}

	p, err := f.locator.Locate(testutils.CtxForTest())
	require.NoError(t, err)
	assert.Equal(t, f.tmp.JoinPath("cache", "weaver"), p)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	assert.Len(t, f.http.Requests(), 1)

	// cached
	_, err = f.locator.Locate(testutils.CtxForTest())
	require.NoError(t, err)
	assert.Len(t, f.http.Requests(), 1)
}

func TestLocateNotFoundListsAttempts(t *testing.T) {
	f := newLocateFixture(t)
	f.http.SetURLResponse(downloadURL, http.StatusNotFound, "no")
	f.locator.Override = f.tmp.JoinPath("missing")
	f.locator.SearchDirs = []string{f.tmp.JoinPath("a")}
	f.locator.CacheDir = f.tmp.JoinPath("cache")
	f.locator.Downloader = HTTPDownloader{Client: f.http, URL: downloadURL}

	_, err := f.locator.Locate(testutils.CtxForTest())
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrBinaryNotFound)
	assert.Contains(t, err.Error(), "override "+f.tmp.JoinPath("missing"))
	assert.Contains(t, err.Error(), "PATH")
	assert.Contains(t, err.Error(), f.tmp.JoinPath("a", "weaver"))
	assert.Contains(t, err.Error(), "status 404")

	_, err = os.Stat(f.tmp.JoinPath("cache", "weaver"))
	assert.True(t, os.IsNotExist(err))
}

type locateFixture struct {
	tmp     *tempdir.TempDirFixture
	http    *httptest.FakeClient
	locator Locator
}

func newLocateFixture(t *testing.T) *locateFixture {
	return &locateFixture{
		tmp:  tempdir.NewTempDirFixture(t),
		http: httptest.NewFakeClient(),
		locator: Locator{
			BinaryName: DefaultBinaryName,
			LookPath:   func(string) (string, error) { return "", exec.ErrNotFound },
		},
	}
}
