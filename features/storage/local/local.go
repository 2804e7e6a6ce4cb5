// Package local provides the filesystem storage connector. Objects live under
// a configured root directory; the ACL and metadata of an object are persisted
// as sidecar files next to it so a restart keeps access semantics intact.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/storage"
)

// ConnectorName is the registry name of the local filesystem connector.
const ConnectorName = "LocalStorage"

type (
	// Options configures the connector.
	Options struct {
		// Root is the directory holding all objects. Required.
		Root string
	}

	// Storage is the filesystem storage connector.
	Storage struct {
		root string
		fs   afs.Service

		mu     sync.Mutex
		timers map[string]*time.Timer
	}
)

var _ storage.Connector = (*Storage)(nil)

// New builds the connector rooted at opts.Root.
func New(opts Options) (*Storage, error) {
	if opts.Root == "" {
		return nil, fault.New(fault.KindConfiguration, "local storage root is required")
	}
	return &Storage{
		root:   opts.Root,
		fs:     afs.New(),
		timers: make(map[string]*time.Timer),
	}, nil
}

// Factory builds the connector from registry settings. Recognized settings:
// "root" (string, required).
func Factory(settings map[string]any) (connector.Connector, error) {
	root, _ := settings["root"].(string)
	return New(Options{Root: root})
}

// Name implements connector.Connector.
func (s *Storage) Name() string { return ConnectorName }

// Start implements connector.Connector.
func (s *Storage) Start(context.Context) error { return nil }

// Stop cancels pending expiry timers.
func (s *Storage) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}
	return nil
}

// GetResourceACL returns the object's sidecar ACL. Objects that do not exist
// yet grant Owner to the candidate so creation is permitted.
func (s *Storage) GetResourceACL(ctx context.Context, resourceID string, candidate acl.Candidate) (*acl.ACL, error) {
	url, err := s.url(storage.ACLKey(resourceID))
	if err != nil {
		return nil, err
	}
	ok, err := s.fs.Exists(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "stat acl sidecar")
	}
	if !ok {
		return acl.New().GrantCandidate(candidate, acl.LevelOwner), nil
	}
	raw, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read acl sidecar")
	}
	a, err := acl.From(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "parse acl sidecar")
	}
	return a, nil
}

// Read returns the object bytes at path.
func (s *Storage) Read(ctx context.Context, _ acl.Request, path string) ([]byte, error) {
	url, err := s.url(path)
	if err != nil {
		return nil, err
	}
	ok, err := s.fs.Exists(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "stat object")
	}
	if !ok {
		return nil, fault.New(fault.KindNotFound, "object %s not found", path)
	}
	data, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read object")
	}
	return data, nil
}

// Write stores data at path together with its ACL and metadata sidecars. A nil
// objACL grants Owner to the writing candidate.
func (s *Storage) Write(ctx context.Context, req acl.Request, path string, data []byte, objACL *acl.ACL, md storage.Metadata) error {
	url, err := s.url(path)
	if err != nil {
		return err
	}
	if err := s.fs.Upload(ctx, url, 0o644, bytes.NewReader(data)); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "write object")
	}
	if objACL == nil {
		objACL = acl.New().GrantCandidate(req.Candidate, acl.LevelOwner)
	}
	if err := s.writeACL(ctx, path, objACL); err != nil {
		return err
	}
	if md != nil {
		return s.SetMetadata(ctx, req, path, md)
	}
	return nil
}

// Delete removes the object and its sidecars. Absent objects are not an error.
func (s *Storage) Delete(ctx context.Context, _ acl.Request, path string) error {
	s.cancelExpiry(path)
	for _, key := range []string{path, storage.ACLKey(path), storage.MetadataKey(path)} {
		url, err := s.url(key)
		if err != nil {
			return err
		}
		ok, err := s.fs.Exists(ctx, url)
		if err != nil {
			return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "stat object")
		}
		if !ok {
			continue
		}
		if err := s.fs.Delete(ctx, url); err != nil {
			return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "delete object")
		}
	}
	return nil
}

// Exists reports whether path holds an object.
func (s *Storage) Exists(ctx context.Context, _ acl.Request, path string) (bool, error) {
	url, err := s.url(path)
	if err != nil {
		return false, err
	}
	ok, err := s.fs.Exists(ctx, url)
	if err != nil {
		return false, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "stat object")
	}
	return ok, nil
}

// GetMetadata returns the metadata sidecar; objects without one yield an empty
// map.
func (s *Storage) GetMetadata(ctx context.Context, _ acl.Request, path string) (storage.Metadata, error) {
	url, err := s.url(storage.MetadataKey(path))
	if err != nil {
		return nil, err
	}
	ok, err := s.fs.Exists(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "stat metadata sidecar")
	}
	if !ok {
		return storage.Metadata{}, nil
	}
	raw, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read metadata sidecar")
	}
	var md storage.Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "parse metadata sidecar")
	}
	return md, nil
}

// SetMetadata replaces the metadata sidecar of path.
func (s *Storage) SetMetadata(ctx context.Context, _ acl.Request, path string, md storage.Metadata) error {
	url, err := s.url(storage.MetadataKey(path))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "encode metadata")
	}
	if err := s.fs.Upload(ctx, url, 0o644, bytes.NewReader(raw)); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "write metadata sidecar")
	}
	return nil
}

// GetACL returns the ACL sidecar of path.
func (s *Storage) GetACL(ctx context.Context, req acl.Request, path string) (*acl.ACL, error) {
	return s.GetResourceACL(ctx, path, req.Candidate)
}

// SetACL replaces the ACL sidecar of path.
func (s *Storage) SetACL(ctx context.Context, _ acl.Request, path string, objACL *acl.ACL) error {
	if objACL == nil {
		return fault.New(fault.KindInvalidArgument, "acl must not be nil")
	}
	return s.writeACL(ctx, path, objACL)
}

// Expire deletes the object after ttl. Scheduling a new expiry replaces any
// pending one; the timer is in-process only and does not survive a restart.
func (s *Storage) Expire(ctx context.Context, req acl.Request, path string, ttl time.Duration) error {
	if ttl <= 0 {
		return fault.New(fault.KindInvalidArgument, "ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(ttl, func() {
		ctx := context.Background()
		if err := s.Delete(ctx, req, path); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "expire object failed"}, log.KV{K: "path", V: path}, log.KV{K: "err", V: err.Error()})
		}
		s.cancelExpiry(path)
	})
	return nil
}

func (s *Storage) writeACL(ctx context.Context, path string, objACL *acl.ACL) error {
	url, err := s.url(storage.ACLKey(path))
	if err != nil {
		return err
	}
	serialized, err := objACL.Serialize()
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "encode acl")
	}
	if err := s.fs.Upload(ctx, url, 0o644, bytes.NewReader(serialized)); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "write acl sidecar")
	}
	return nil
}

func (s *Storage) cancelExpiry(path string) {
	s.mu.Lock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
		delete(s.timers, path)
	}
	s.mu.Unlock()
}

// url maps a storage key to a file URL under the root. Keys must stay inside
// the root.
func (s *Storage) url(key string) (string, error) {
	clean := strings.TrimPrefix(key, "/")
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", fault.New(fault.KindInvalidArgument, "storage path %q escapes the root", key)
		}
	}
	return "file://" + filepath.ToSlash(filepath.Join(s.root, filepath.FromSlash(clean))), nil
}
