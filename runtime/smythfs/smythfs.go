package smythfs

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/cache"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/nkv"
	"github.com/smythos/sre/runtime/secure"
	"github.com/smythos/sre/runtime/storage"
)

const (
	// DefaultTempTTL is the temp URL lifetime when none is given.
	DefaultTempTTL = 300 * time.Second
	// MinTempTTL is the smallest accepted temp URL lifetime.
	MinTempTTL = time.Second

	tempURLPrefix   = "tempurl:"
	tempPathSegment = "/_temp/"
)

// resourceStore names the per-agent NKV store holding issued resource URLs.
// Scoping the store by agent keeps each agent the owner of its own records.
func resourceStore(agentID string) string { return "smythfs:resources:" + agentID }

type (
	// Options configures the virtual filesystem.
	Options struct {
		// Registry resolves the storage, cache and NKV connectors at call
		// time so teardown order never leaves dangling references.
		Registry *connector.Registry
		// Guard is the access-control pipeline shared with the clients.
		Guard secure.Guard
		// BaseURL prefixes issued temp URLs, e.g. "http://localhost:5053".
		BaseURL string
		// AgentBaseURL derives an agent's public base URL for resource URLs.
		// Nil falls back to "<BaseURL>/agents/<agentID>".
		AgentBaseURL func(agentID string) string
	}

	// FS is the virtual filesystem facade.
	FS struct {
		opts Options
	}

	// WriteOptions customize an FS write.
	WriteOptions struct {
		ContentType string
		ACL         *acl.ACL
		TTL         time.Duration
	}

	// tempRecord is the cache payload behind an issued temp URL token.
	tempRecord struct {
		URI            string   `json:"uri"`
		CandidateRole  acl.Role `json:"candidateRole"`
		CandidateID    string   `json:"candidateId"`
		ExpiresAt      int64    `json:"expiresAt"`
		DeleteOnExpiry bool     `json:"deleteOnExpiry,omitempty"`
	}

	// resourceRecord is the NKV payload behind a resource URL.
	resourceRecord struct {
		URI         string `json:"uri"`
		AgentID     string `json:"agentId"`
		ContentType string `json:"contentType,omitempty"`
	}
)

// New returns a virtual filesystem over the registry's storage subsystem.
func New(opts Options) (*FS, error) {
	if opts.Registry == nil {
		return nil, fault.New(fault.KindConfiguration, "smythfs requires a connector registry")
	}
	return &FS{opts: opts}, nil
}

// Read returns the object bytes at uri on behalf of the candidate.
func (fs *FS) Read(ctx context.Context, uri string, candidate acl.Candidate) ([]byte, error) {
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return nil, err
	}
	return client.Read(ctx, u.StorageKey())
}

// Write stores data at uri on behalf of the candidate.
func (fs *FS) Write(ctx context.Context, uri string, data []byte, candidate acl.Candidate, opts *WriteOptions) error {
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return err
	}
	var wo []storage.WriteOption
	if opts != nil {
		if opts.ACL != nil {
			wo = append(wo, storage.WithACL(opts.ACL))
		}
		if opts.ContentType != "" {
			wo = append(wo, storage.WithContentType(opts.ContentType))
		}
		if opts.TTL > 0 {
			wo = append(wo, storage.WithTTL(opts.TTL))
		}
	}
	return client.Write(ctx, u.StorageKey(), data, wo...)
}

// Delete removes the object at uri on behalf of the candidate.
func (fs *FS) Delete(ctx context.Context, uri string, candidate acl.Candidate) error {
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return err
	}
	return client.Delete(ctx, u.StorageKey())
}

// Exists reports whether an object is present at uri.
func (fs *FS) Exists(ctx context.Context, uri string, candidate acl.Candidate) (bool, error) {
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return false, err
	}
	return client.Exists(ctx, u.StorageKey())
}

// ContentType returns the stored MIME type of the object at uri.
func (fs *FS) ContentType(ctx context.Context, uri string, candidate acl.Candidate) (string, error) {
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return "", err
	}
	md, err := client.GetMetadata(ctx, u.StorageKey())
	if err != nil {
		return "", err
	}
	return md.ContentType(), nil
}

// GenTempURL allocates an opaque token for the object and returns
// "<baseUrl>/_temp/<token>". The token expires after ttl (default 300s,
// minimum 1s); opts.DeleteOnExpiry additionally removes the object once the
// token lapses.
func (fs *FS) GenTempURL(ctx context.Context, uri string, candidate acl.Candidate, ttl time.Duration, deleteOnExpiry bool) (string, error) {
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return "", err
	}
	// Verify access up front so an unreadable object never yields a URL.
	if _, err := client.Exists(ctx, u.StorageKey()); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTempTTL
	}
	if ttl < MinTempTTL {
		ttl = MinTempTTL
	}
	cacheConn, err := fs.cache()
	if err != nil {
		return "", err
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	record := tempRecord{
		URI:            u.String(),
		CandidateRole:  candidate.Role,
		CandidateID:    candidate.ID,
		ExpiresAt:      time.Now().Add(ttl).Unix(),
		DeleteOnExpiry: deleteOnExpiry,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode temp url record: %w", err)
	}
	if err := cacheConn.Set(ctx, tempURLPrefix+token, string(raw), ttl); err != nil {
		return "", err
	}
	if deleteOnExpiry {
		fs.scheduleExpiry(token, u, candidate, ttl)
	}
	return strings.TrimRight(fs.opts.BaseURL, "/") + tempPathSegment + token, nil
}

// DestroyTempURL invalidates the token behind url; delResource additionally
// deletes the object it pointed at.
func (fs *FS) DestroyTempURL(ctx context.Context, url string, delResource bool) error {
	token := tokenFromURL(url)
	if token == "" {
		return fault.New(fault.KindInvalidArgument, "invalid temp url %q", url)
	}
	cacheConn, err := fs.cache()
	if err != nil {
		return err
	}
	record, ok, err := fs.lookupTemp(ctx, token)
	if err != nil {
		return err
	}
	if err := cacheConn.Delete(ctx, tempURLPrefix+token); err != nil {
		return err
	}
	if ok && delResource {
		candidate := acl.Candidate{Role: record.CandidateRole, ID: record.CandidateID}
		if err := fs.Delete(ctx, record.URI, candidate); err != nil {
			return err
		}
	}
	return nil
}

// GenResourceURL issues a stable, extension-preserving URL serving the object
// through the agent's public domain. Restricted to agent candidates.
func (fs *FS) GenResourceURL(ctx context.Context, uri string, candidate acl.Candidate) (string, error) {
	if candidate.Role != acl.RoleAgent {
		return "", fault.New(fault.KindInvalidArgument, "Only agents can generate resource urls")
	}
	u, client, err := fs.storageFor(uri, candidate)
	if err != nil {
		return "", err
	}
	md, err := client.GetMetadata(ctx, u.StorageKey())
	if err != nil {
		return "", err
	}
	contentType := md.ContentType()
	record := resourceRecord{URI: u.String(), AgentID: candidate.ID, ContentType: contentType}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode resource record: %w", err)
	}
	// Deterministic id: the same object yields the same URL across calls.
	opaque := acl.HashID(candidate.ID + "|" + u.String())
	nkvConn, err := fs.nkv()
	if err != nil {
		return "", err
	}
	req := candidate.WriteRequest()
	if err := nkvConn.Set(ctx, req, resourceStore(candidate.ID), opaque, string(raw)); err != nil {
		return "", err
	}
	return fs.agentBase(candidate.ID) + "/" + opaque + extensionFor(contentType), nil
}

// DestroyResourceURL withdraws a previously issued resource URL.
func (fs *FS) DestroyResourceURL(ctx context.Context, url string, candidate acl.Candidate) error {
	if candidate.Role != acl.RoleAgent {
		return fault.New(fault.KindInvalidArgument, "Only agents can generate resource urls")
	}
	opaque := opaqueFromURL(url)
	if opaque == "" {
		return fault.New(fault.KindInvalidArgument, "invalid resource url %q", url)
	}
	nkvConn, err := fs.nkv()
	if err != nil {
		return err
	}
	return nkvConn.Delete(ctx, candidate.WriteRequest(), resourceStore(candidate.ID), opaque)
}

func (fs *FS) storageFor(uri string, candidate acl.Candidate) (URI, *storage.Client, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return URI{}, nil, err
	}
	conn, err := connector.Resolve[storage.Connector](fs.opts.Registry, connector.SubsystemStorage, "")
	if err != nil {
		return URI{}, nil, err
	}
	return u, storage.For(conn, fs.opts.Guard, candidate), nil
}

func (fs *FS) cache() (cache.Connector, error) {
	return connector.Resolve[cache.Connector](fs.opts.Registry, connector.SubsystemCache, "")
}

func (fs *FS) nkv() (nkv.Connector, error) {
	return connector.Resolve[nkv.Connector](fs.opts.Registry, connector.SubsystemNKV, "")
}

func decodeResourceRecord(raw string) (resourceRecord, error) {
	var record resourceRecord
	err := json.Unmarshal([]byte(raw), &record)
	return record, err
}

func (fs *FS) lookupTemp(ctx context.Context, token string) (tempRecord, bool, error) {
	cacheConn, err := fs.cache()
	if err != nil {
		return tempRecord{}, false, err
	}
	raw, ok, err := cacheConn.Get(ctx, tempURLPrefix+token)
	if err != nil || !ok {
		return tempRecord{}, false, err
	}
	var record tempRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return tempRecord{}, false, fmt.Errorf("decode temp url record: %w", err)
	}
	if record.ExpiresAt > 0 && time.Now().Unix() > record.ExpiresAt {
		return tempRecord{}, false, nil
	}
	return record, true, nil
}

// scheduleExpiry deletes the underlying object once the token lapses. Runs
// off the request path; best effort.
func (fs *FS) scheduleExpiry(token string, u URI, candidate acl.Candidate, ttl time.Duration) {
	go func() {
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		<-timer.C
		ctx := context.Background()
		if _, ok, _ := fs.lookupTemp(ctx, token); ok {
			// Token was refreshed; leave the object alone.
			return
		}
		if err := fs.Delete(ctx, u.String(), candidate); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "temp url expiry cleanup failed"}, log.KV{K: "uri", V: u.String()}, log.KV{K: "err", V: err.Error()})
		}
	}()
}

func (fs *FS) agentBase(agentID string) string {
	if fs.opts.AgentBaseURL != nil {
		return strings.TrimRight(fs.opts.AgentBaseURL(agentID), "/")
	}
	return strings.TrimRight(fs.opts.BaseURL, "/") + "/agents/" + agentID
}

func tokenFromURL(url string) string {
	i := strings.LastIndex(url, tempPathSegment)
	if i < 0 {
		return ""
	}
	token := url[i+len(tempPathSegment):]
	if token == "" || strings.ContainsAny(token, "/?#") {
		return ""
	}
	return token
}

func opaqueFromURL(url string) string {
	i := strings.LastIndexByte(url, '/')
	if i < 0 || i == len(url)-1 {
		return ""
	}
	name := url[i+1:]
	if j := strings.IndexByte(name, '.'); j > 0 {
		name = name[:j]
	}
	return name
}

// extensionFor maps a MIME type onto its preferred file extension via the
// standard MIME table. Unknown types yield no extension.
func extensionFor(contentType string) string {
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	// Prefer the conventional extension when the table offers several.
	for _, preferred := range []string{".png", ".jpg", ".txt", ".json", ".html", ".pdf"} {
		for _, ext := range exts {
			if ext == preferred {
				return ext
			}
		}
	}
	return exts[0]
}
