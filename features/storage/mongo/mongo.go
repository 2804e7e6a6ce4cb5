// Package mongo provides the MongoDB storage connector. Each object is a
// single document keyed by path, carrying the bytes together with the ACL and
// metadata records; a TTL index on expires_at gives Expire native backing.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/storage"
)

// ConnectorName is the registry name of the MongoDB storage connector.
const ConnectorName = "MongoStorage"

const (
	defaultCollection = "sre_storage"
	defaultTimeout    = 5 * time.Second
)

type (
	// Options configures the connector.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database names the database holding the objects. Required.
		Database string
		// Collection names the object collection. Defaults to "sre_storage".
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Storage is the MongoDB storage connector.
	Storage struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	objectDocument struct {
		Path      string            `bson:"_id"`
		Data      []byte            `bson:"data"`
		ACL       string            `bson:"acl"`
		Metadata  map[string]string `bson:"metadata,omitempty"`
		UpdatedAt time.Time         `bson:"updated_at"`
		ExpiresAt *time.Time        `bson:"expires_at,omitempty"`
	}
)

var _ storage.Connector = (*Storage)(nil)

// New builds the connector backed by the provided MongoDB client.
func New(opts Options) (*Storage, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "mongo client is required")
	}
	if opts.Database == "" {
		return nil, fault.New(fault.KindConfiguration, "mongo database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, ConnectorName, err, "create storage indexes")
	}
	return &Storage{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

// Factory builds the connector from registry settings. Recognized settings:
// "uri" (string, required), "database" (string, required), "collection"
// (string).
func Factory(settings map[string]any) (connector.Connector, error) {
	uri, _ := settings["uri"].(string)
	if uri == "" {
		return nil, fault.New(fault.KindConfiguration, "mongo uri is required")
	}
	database, _ := settings["database"].(string)
	collName, _ := settings["collection"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, ConnectorName, err, "connect to mongo")
	}
	return New(Options{Client: client, Database: database, Collection: collName})
}

// Name implements connector.Connector.
func (s *Storage) Name() string { return ConnectorName }

// Start verifies connectivity.
func (s *Storage) Start(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.mongo.Ping(ctx, readpref.Primary()); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "ping mongo")
	}
	return nil
}

// Stop implements connector.Connector.
func (s *Storage) Stop(context.Context) error { return nil }

// GetResourceACL returns the ACL stored with the object. Objects that do not
// exist yet grant Owner to the candidate so creation is permitted.
func (s *Storage) GetResourceACL(ctx context.Context, resourceID string, candidate acl.Candidate) (*acl.ACL, error) {
	doc, err := s.find(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.ACL == "" {
		return acl.New().GrantCandidate(candidate, acl.LevelOwner), nil
	}
	a, err := acl.From([]byte(doc.ACL))
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "parse stored acl")
	}
	return a, nil
}

// Read returns the object bytes at path.
func (s *Storage) Read(ctx context.Context, _ acl.Request, path string) ([]byte, error) {
	doc, err := s.find(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fault.New(fault.KindNotFound, "object %s not found", path)
	}
	return doc.Data, nil
}

// Write upserts the object document. A nil objACL grants Owner to the writer.
func (s *Storage) Write(ctx context.Context, req acl.Request, path string, data []byte, objACL *acl.ACL, md storage.Metadata) error {
	if objACL == nil {
		objACL = acl.New().GrantCandidate(req.Candidate, acl.LevelOwner)
	}
	serialized, err := objACL.Serialize()
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "encode acl")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{
		"data":       data,
		"acl":        string(serialized),
		"updated_at": time.Now().UTC(),
	}
	if md != nil {
		set["metadata"] = map[string]string(md)
	}
	update := bson.M{"$set": set, "$unset": bson.M{"expires_at": ""}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": path}, update, options.Update().SetUpsert(true)); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "write object")
	}
	return nil
}

// Delete removes the object document. Absent objects are not an error.
func (s *Storage) Delete(ctx context.Context, _ acl.Request, path string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": path}); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "delete object")
	}
	return nil
}

// Exists reports whether path holds an object.
func (s *Storage) Exists(ctx context.Context, _ acl.Request, path string) (bool, error) {
	doc, err := s.find(ctx, path)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// GetMetadata returns the object's metadata; objects without metadata yield an
// empty map.
func (s *Storage) GetMetadata(ctx context.Context, _ acl.Request, path string) (storage.Metadata, error) {
	doc, err := s.find(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Metadata == nil {
		return storage.Metadata{}, nil
	}
	return storage.Metadata(doc.Metadata), nil
}

// SetMetadata replaces the object's metadata record.
func (s *Storage) SetMetadata(ctx context.Context, _ acl.Request, path string, md storage.Metadata) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"metadata": map[string]string(md), "updated_at": time.Now().UTC()}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": path}, update); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "write metadata")
	}
	return nil
}

// GetACL returns the object's ACL record.
func (s *Storage) GetACL(ctx context.Context, req acl.Request, path string) (*acl.ACL, error) {
	return s.GetResourceACL(ctx, path, req.Candidate)
}

// SetACL replaces the object's ACL record.
func (s *Storage) SetACL(ctx context.Context, _ acl.Request, path string, objACL *acl.ACL) error {
	if objACL == nil {
		return fault.New(fault.KindInvalidArgument, "acl must not be nil")
	}
	serialized, err := objACL.Serialize()
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "encode acl")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"acl": string(serialized), "updated_at": time.Now().UTC()}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": path}, update); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "write acl")
	}
	return nil
}

// Expire stamps the document with an expires_at deadline enforced by the TTL
// index. Mongo sweeps expired documents on its own schedule, so deletion may
// lag the deadline by up to a minute.
func (s *Storage) Expire(ctx context.Context, _ acl.Request, path string, ttl time.Duration) error {
	if ttl <= 0 {
		return fault.New(fault.KindInvalidArgument, "ttl must be positive")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	deadline := time.Now().UTC().Add(ttl)
	update := bson.M{"$set": bson.M{"expires_at": deadline}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": path}, update)
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "set object expiry")
	}
	if res != nil && res.MatchedCount == 0 {
		return fault.New(fault.KindNotFound, "object %s not found", path)
	}
	return nil
}

func (s *Storage) find(ctx context.Context, path string) (*objectDocument, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc objectDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": path}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read object")
	}
	return &doc, nil
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection abstracts the driver collection so tests can substitute a fake.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
