// Package file provides the JSON-file vault connector. The file maps team ids
// to key/value secrets; string values may embed $env(VAR) placeholders
// resolved once at read time. An optional encrypted wrapper protects the whole
// document with AES-256-GCM; the master key is requested through a configured
// callback the first time the file is loaded.
//
// The connector watches the file's modification time and reloads the snapshot
// on change; a failed reload keeps the previous snapshot intact.
package file

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/vault"
)

// ConnectorName is the registry name of the JSON-file vault connector.
const ConnectorName = "JSONFileVault"

// Algorithm is the only encryption scheme the connector accepts.
const Algorithm = "aes-256-gcm"

var envRef = regexp.MustCompile(`\$env\(([A-Za-z_][A-Za-z0-9_]*)\)`)

type (
	// KeyFunc supplies the master key for encrypted vault files. CLI builds
	// wire a blocking prompt here.
	KeyFunc func(ctx context.Context) (string, error)

	// Options configures the connector.
	Options struct {
		// Path locates the vault JSON file. Required.
		Path string
		// MasterKey supplies the decryption key for encrypted files.
		MasterKey KeyFunc
	}

	encryptedFile struct {
		Encrypted bool   `json:"encrypted"`
		Algorithm string `json:"algorithm"`
		Data      string `json:"data"`
	}

	// Vault is the JSON-file vault connector.
	Vault struct {
		path      string
		masterKey KeyFunc

		mu       sync.RWMutex
		snapshot map[string]map[string]string
		loadedAt time.Time
	}
)

var _ vault.Connector = (*Vault)(nil)

// New builds the connector. The file is loaded on Start.
func New(opts Options) (*Vault, error) {
	if opts.Path == "" {
		return nil, fault.New(fault.KindConfiguration, "vault file path is required")
	}
	return &Vault{path: opts.Path, masterKey: opts.MasterKey}, nil
}

// Factory builds the connector from registry settings. Recognized settings:
// "path" (string, required).
func Factory(settings map[string]any) (connector.Connector, error) {
	path, _ := settings["path"].(string)
	return New(Options{Path: path})
}

// Name implements connector.Connector.
func (v *Vault) Name() string { return ConnectorName }

// Start loads the initial snapshot.
func (v *Vault) Start(ctx context.Context) error {
	return v.load(ctx)
}

// Stop implements connector.Connector.
func (v *Vault) Stop(context.Context) error { return nil }

// GetResourceACL grants Owner on "<teamId>.<key>" resources to the owning
// team only; keys of the shared team additionally grant Read to every role.
// Members reach their team's secrets through the vault client, which resolves
// membership via the account connector and presents the team candidate.
func (v *Vault) GetResourceACL(_ context.Context, resourceID string, _ acl.Candidate) (*acl.ACL, error) {
	teamID := resourceID
	if i := strings.IndexByte(resourceID, '.'); i >= 0 {
		teamID = resourceID[:i]
	}
	a := acl.New().Grant(acl.RoleTeam, teamID, acl.LevelOwner)
	if teamID == vault.SharedTeam {
		a.Grant(acl.RoleUser, acl.Wildcard, acl.LevelRead).
			Grant(acl.RoleTeam, acl.Wildcard, acl.LevelRead).
			Grant(acl.RoleAgent, acl.Wildcard, acl.LevelRead)
	}
	return a, nil
}

// Get returns the secret value with $env(VAR) references resolved once.
// Unresolved references are left intact and logged.
func (v *Vault) Get(ctx context.Context, _ acl.Request, teamID, keyName string) (string, error) {
	v.maybeReload(ctx)
	v.mu.RLock()
	defer v.mu.RUnlock()
	team, ok := v.snapshot[teamID]
	if !ok {
		return "", fault.New(fault.KindNotFound, "vault key %s.%s not found", teamID, keyName)
	}
	value, ok := team[keyName]
	if !ok {
		return "", fault.New(fault.KindNotFound, "vault key %s.%s not found", teamID, keyName)
	}
	return resolveEnv(ctx, value), nil
}

// Exists reports whether the team holds keyName.
func (v *Vault) Exists(ctx context.Context, _ acl.Request, teamID, keyName string) (bool, error) {
	v.maybeReload(ctx)
	v.mu.RLock()
	defer v.mu.RUnlock()
	team, ok := v.snapshot[teamID]
	if !ok {
		return false, nil
	}
	_, ok = team[keyName]
	return ok, nil
}

// ListKeys returns the team's key names in sorted order.
func (v *Vault) ListKeys(ctx context.Context, _ acl.Request, teamID string) ([]string, error) {
	v.maybeReload(ctx)
	v.mu.RLock()
	defer v.mu.RUnlock()
	team := v.snapshot[teamID]
	keys := make([]string, 0, len(team))
	for k := range team {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *Vault) load(ctx context.Context) error {
	info, err := os.Stat(v.path)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, ConnectorName, err, "stat vault file")
	}
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, ConnectorName, err, "read vault file")
	}
	var wrapper encryptedFile
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Encrypted {
		raw, err = v.decrypt(ctx, wrapper)
		if err != nil {
			return err
		}
	}
	var snapshot map[string]map[string]string
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fault.Wrap(fault.KindConfiguration, ConnectorName, err, "parse vault file")
	}
	v.mu.Lock()
	v.snapshot = snapshot
	v.loadedAt = info.ModTime()
	v.mu.Unlock()
	return nil
}

// maybeReload refreshes the snapshot when the file changed on disk. Reload
// failures keep the previous snapshot.
func (v *Vault) maybeReload(ctx context.Context) {
	info, err := os.Stat(v.path)
	if err != nil {
		return
	}
	v.mu.RLock()
	stale := info.ModTime().After(v.loadedAt)
	v.mu.RUnlock()
	if !stale {
		return
	}
	if err := v.load(ctx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "vault reload failed, keeping previous snapshot"}, log.KV{K: "path", V: v.path}, log.KV{K: "err", V: err.Error()})
	}
}

func (v *Vault) decrypt(ctx context.Context, wrapper encryptedFile) ([]byte, error) {
	if wrapper.Algorithm != Algorithm {
		return nil, fault.New(fault.KindConfiguration, "unsupported vault encryption algorithm %q", wrapper.Algorithm)
	}
	if v.masterKey == nil {
		return nil, fault.New(fault.KindConfiguration, "vault file is encrypted but no master key callback is configured")
	}
	key, err := v.masterKey(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, ConnectorName, err, "obtain vault master key")
	}
	payload, err := base64.StdEncoding.DecodeString(wrapper.Data)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, ConnectorName, err, "decode vault payload")
	}
	return decryptGCM(payload, key)
}

// Encrypt wraps plaintext vault content in the encrypted file format using
// the given master key. Used by tooling that writes vault files.
func Encrypt(plaintext []byte, masterKey string) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return json.Marshal(encryptedFile{
		Encrypted: true,
		Algorithm: Algorithm,
		Data:      base64.StdEncoding.EncodeToString(sealed),
	})
}

func decryptGCM(payload []byte, masterKey string) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(payload) < gcm.NonceSize() {
		return nil, fault.New(fault.KindConfiguration, "vault payload is truncated")
	}
	nonce, sealed := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, ConnectorName, err, "decrypt vault payload")
	}
	return plaintext, nil
}

func deriveKey(masterKey string) []byte {
	sum := sha256.Sum256([]byte(masterKey))
	return sum[:]
}

func resolveEnv(ctx context.Context, value string) string {
	return envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		if resolved, ok := os.LookupEnv(name); ok {
			return resolved
		}
		log.Warn(ctx, log.KV{K: "msg", V: "unresolved vault env reference"}, log.KV{K: "ref", V: ref})
		return ref
	})
}
