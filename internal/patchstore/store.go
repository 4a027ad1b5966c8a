// Package patchstore is a PatchService keeping patches in a directory tree.
//
// Layout of the root directory:
//
//	<bundle>/deployed/  staged by Deploy
//	<bundle>/active/    enabled by Switch(true)
//	<bundle>/revoked/   disabled, removed by Delete
//
// Every patch set carries a patch.yaml manifest describing it.
package patchstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/patrykniedzwiecki/quickfix/internal/quickfix"
)

// ManifestName is the file describing a patch set.
const ManifestName = "patch.yaml"

const (
	dirDeployed = "deployed"
	dirActive   = "active"
	dirRevoked  = "revoked"
)

// Status codes of completions.
const (
	CodeOK = iota
	CodeInvalid
	CodeIO
	CodeNotFound
)

var (
	ErrNotActive   = errors.New("no active patch")
	ErrBundleName  = errors.New("invalid bundle name")
	ErrNoManifest  = errors.New("no " + ManifestName + " among patch files")
	ErrStoreClosed = errors.New("store closed")
)

type Store struct {
	mx     sync.Mutex
	root   *os.Root
	wg     sync.WaitGroup
	closed bool
}

// Open opens the store in dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating patches directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening patches directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Close waits for pending completions and closes the root.
func (s *Store) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrStoreClosed
	}
	s.closed = true
	s.mx.Unlock()

	s.wg.Wait()
	return s.root.Close()
}

func (s *Store) async(fn func()) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.wg.Go(fn)
	return nil
}

func (s *Store) Deploy(ctx context.Context, files []string, done func(quickfix.DeployResult)) error {
	if len(files) == 0 {
		return quickfix.ErrNoPatchFiles
	}
	return s.async(func() {
		done(s.deploy(ctx, files))
	})
}

func (s *Store) deploy(ctx context.Context, files []string) quickfix.DeployResult {
	manifest, err := findManifest(files)
	if err != nil {
		return failed(CodeInvalid, err)
	}
	res, err := readManifest(manifest)
	if err != nil {
		return failed(CodeInvalid, err)
	}
	if res.BundleName == nil || *res.BundleName == "" {
		// nothing to stage, the caller reports the incomplete metadata
		return res
	}
	bundle := *res.BundleName
	if err := checkBundle(bundle); err != nil {
		return failed(CodeInvalid, err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	staging := path.Join(bundle, dirDeployed)
	if err := s.root.RemoveAll(staging); err != nil {
		return failed(CodeIO, err)
	}
	if err := s.root.MkdirAll(staging, 0o755); err != nil {
		return failed(CodeIO, err)
	}
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return failed(CodeIO, err)
		}
		dst := path.Join(staging, filepath.Base(file))
		if _, err := s.root.Stat(dst); err == nil {
			return failed(CodeInvalid, fmt.Errorf("duplicate patch file %s", filepath.Base(file)))
		}
		if err := s.root.WriteFile(dst, b, 0o644); err != nil {
			return failed(CodeIO, err)
		}
	}
	slog.DebugContext(ctx, "patch staged", "bundle_name", bundle, "files", len(files))
	return res
}

func (s *Store) Switch(ctx context.Context, bundleName string, enable bool, done func(quickfix.Status)) error {
	if err := checkBundle(bundleName); err != nil {
		return err
	}
	return s.async(func() {
		done(s.switchPatch(ctx, bundleName, enable))
	})
}

func (s *Store) switchPatch(ctx context.Context, bundle string, enable bool) quickfix.Status {
	s.mx.Lock()
	defer s.mx.Unlock()

	deployed := path.Join(bundle, dirDeployed)
	active := path.Join(bundle, dirActive)
	revoked := path.Join(bundle, dirRevoked)

	if enable && !s.exists(deployed) {
		return quickfix.Status{Code: CodeNotFound, Message: "no deployed patch"}
	}
	if !enable && !s.exists(active) {
		return quickfix.Status{Code: CodeNotFound, Message: ErrNotActive.Error()}
	}

	if s.exists(active) {
		if err := s.root.RemoveAll(revoked); err != nil {
			return status(CodeIO, err)
		}
		if err := s.root.Rename(active, revoked); err != nil {
			return status(CodeIO, err)
		}
	}
	if enable {
		if err := s.root.Rename(deployed, active); err != nil {
			return status(CodeIO, err)
		}
	}
	slog.DebugContext(ctx, "patch switched", "bundle_name", bundle, "enable", enable)
	return quickfix.Status{}
}

func (s *Store) Delete(ctx context.Context, bundleName string, done func(quickfix.Status)) error {
	if err := checkBundle(bundleName); err != nil {
		return err
	}
	return s.async(func() {
		s.mx.Lock()
		defer s.mx.Unlock()
		for _, dir := range []string{dirDeployed, dirRevoked} {
			if err := s.root.RemoveAll(path.Join(bundleName, dir)); err != nil {
				done(status(CodeIO, err))
				return
			}
		}
		slog.DebugContext(ctx, "patch deleted", "bundle_name", bundleName)
		done(quickfix.Status{})
	})
}

func (s *Store) Info(_ context.Context, bundleName string) (quickfix.DeployResult, error) {
	if err := checkBundle(bundleName); err != nil {
		return quickfix.DeployResult{}, err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	b, err := s.root.ReadFile(path.Join(bundleName, dirActive, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return quickfix.DeployResult{}, fmt.Errorf("%w for %s", ErrNotActive, bundleName)
	}
	if err != nil {
		return quickfix.DeployResult{}, err
	}
	return decodeManifest(b)
}

func (s *Store) exists(name string) bool {
	info, err := s.root.Stat(name)
	return err == nil && info.IsDir()
}

func checkBundle(name string) error {
	if name == "" || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrBundleName, name)
	}
	return nil
}

func findManifest(files []string) (string, error) {
	for _, f := range files {
		if filepath.Base(f) == ManifestName {
			return f, nil
		}
	}
	return "", ErrNoManifest
}

func readManifest(name string) (quickfix.DeployResult, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return quickfix.DeployResult{}, err
	}
	return decodeManifest(b)
}

func decodeManifest(b []byte) (quickfix.DeployResult, error) {
	var res quickfix.DeployResult
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&res); err != nil {
		return quickfix.DeployResult{}, fmt.Errorf("decoding %s: %w", ManifestName, err)
	}
	return res, nil
}

func failed(code int, err error) quickfix.DeployResult {
	return quickfix.DeployResult{Code: code, Message: err.Error()}
}

func status(code int, err error) quickfix.Status {
	return quickfix.Status{Code: code, Message: err.Error()}
}
