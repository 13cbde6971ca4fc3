package livecheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/tilt-dev/testrig/internal/lifecycle"
	"github.com/tilt-dev/testrig/pkg/logger"
)

const DefaultBinaryName = "weaver"

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Downloader fetches the validation binary on demand.
type Downloader interface {
	Download(ctx context.Context, dest string) error
}

// HTTPDownloader fetches a single executable from URL.
type HTTPDownloader struct {
	Client HTTPClient
	URL    string
}

var _ Downloader = HTTPDownloader{}

func (d HTTPDownloader) Download(ctx context.Context, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return errors.Wrap(err, "Download")
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "Download(%s)", d.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Download(%s): status %d", d.URL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrap(err, "Download#mkdir")
	}

	// Write next to dest and rename, so a half-written binary is never found.
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "Download#create")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "Download#write")
	}
	if err := os.Chmod(tmp.Name(), 0755); err != nil {
		return errors.Wrap(err, "Download#chmod")
	}
	return os.Rename(tmp.Name(), dest)
}

// Locator finds the validation binary.
//
// The explicit Override wins, then PATH, then SearchDirs, and finally the
// Downloader (if any) writes the binary into CacheDir.
type Locator struct {
	Override   string
	BinaryName string
	SearchDirs []string
	CacheDir   string
	Downloader Downloader

	LookPath func(file string) (string, error)
}

// StandardSearchDirs are the usual install locations outside PATH.
func StandardSearchDirs() []string {
	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin"}
	if home, err := homedir.Dir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, ".local", "bin"))
	}
	return dirs
}

func NewLocator(override string) Locator {
	return Locator{
		Override:   override,
		BinaryName: DefaultBinaryName,
		SearchDirs: StandardSearchDirs(),
		LookPath:   exec.LookPath,
	}
}

// Locate returns the path of an executable binary, or a BinaryNotFound
// error listing every place it looked.
func (l Locator) Locate(ctx context.Context) (string, error) {
	log := logger.Get(ctx)
	name := l.BinaryName
	if name == "" {
		name = DefaultBinaryName
	}

	var attempts []string
	tried := func(where string, err error) {
		attempts = append(attempts, fmt.Sprintf("%s (%v)", where, err))
		log.Debugf("[livecheck] %s: %v", where, err)
	}

	if l.Override != "" {
		override, err := homedir.Expand(l.Override)
		if err == nil {
			err = checkExecutable(override)
		}
		if err == nil {
			return override, nil
		}
		tried("override "+l.Override, err)
	}

	if l.LookPath != nil {
		p, err := l.LookPath(name)
		if err == nil {
			return p, nil
		}
		tried("PATH", err)
	}

	for _, dir := range l.SearchDirs {
		p := filepath.Join(dir, name)
		err := checkExecutable(p)
		if err == nil {
			return p, nil
		}
		tried(p, err)
	}

	if l.Downloader != nil && l.CacheDir != "" {
		p := filepath.Join(l.CacheDir, name)
		if err := checkExecutable(p); err == nil {
			return p, nil
		}
		log.Infof("Downloading %s to %s", name, p)
		err := l.Downloader.Download(ctx, p)
		if err == nil {
			return p, nil
		}
		tried("download", err)
	}

	return "", lifecycle.NewError(lifecycle.BinaryNotFound, name, "tried %s", strings.Join(attempts, "; "))
}

func checkExecutable(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not found")
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("not executable")
	}
	return nil
}
