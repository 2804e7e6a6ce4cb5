// Package mongo provides the MongoDB conversation context store. Each
// conversation is one document keyed by id holding the full window, replaced
// atomically on Set.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
)

const (
	defaultCollection = "sre_conversations"
	defaultTimeout    = 5 * time.Second
	storeName         = "MongoContext"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the connected MongoDB client. Required.
		Client *mongodriver.Client
		// Database names the database holding the conversations. Required.
		Database string
		// Collection names the conversation collection. Defaults to
		// "sre_conversations".
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store persists conversation windows in MongoDB.
	Store struct {
		coll    collection
		timeout time.Duration
	}

	conversationDocument struct {
		ID        string            `bson:"_id"`
		Window    []messageDocument `bson:"window"`
		UpdatedAt time.Time         `bson:"updated_at"`
	}

	messageDocument struct {
		Role       string         `bson:"role"`
		Content    string         `bson:"content"`
		ToolCallID string         `bson:"tool_call_id,omitempty"`
		ToolCalls  []toolDocument `bson:"tool_calls,omitempty"`
	}

	toolDocument struct {
		ID            string `bson:"id"`
		Name          string `bson:"name"`
		ArgumentsJSON string `bson:"arguments_json,omitempty"`
		Result        string `bson:"result,omitempty"`
	}
)

var _ llm.ContextStore = (*Store)(nil)

// New builds the store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
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
	return &Store{
		coll:    mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)},
		timeout: timeout,
	}, nil
}

// Get returns the stored window; unknown ids yield an empty window.
func (s *Store) Get(ctx context.Context, id string) ([]llm.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc conversationDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindBackendFailure, storeName, err, "load conversation")
	}
	return fromMessageDocuments(doc.Window), nil
}

// Set replaces the stored window.
func (s *Store) Set(ctx context.Context, id string, window []llm.Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := conversationDocument{
		ID:        id,
		Window:    toMessageDocuments(window),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, storeName, err, "store conversation")
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func toMessageDocuments(window []llm.Message) []messageDocument {
	docs := make([]messageDocument, len(window))
	for i, m := range window {
		doc := messageDocument{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			doc.ToolCalls = append(doc.ToolCalls, toolDocument{
				ID:            tc.ID,
				Name:          tc.Name,
				ArgumentsJSON: tc.ArgumentsJSON,
				Result:        tc.Result,
			})
		}
		docs[i] = doc
	}
	return docs
}

func fromMessageDocuments(docs []messageDocument) []llm.Message {
	if len(docs) == 0 {
		return nil
	}
	window := make([]llm.Message, len(docs))
	for i, doc := range docs {
		m := llm.Message{
			Role:       llm.Role(doc.Role),
			Content:    doc.Content,
			ToolCallID: doc.ToolCallID,
		}
		for _, tc := range doc.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{
				ID:            tc.ID,
				Name:          tc.Name,
				ArgumentsJSON: tc.ArgumentsJSON,
				Result:        tc.Result,
			})
		}
		window[i] = m
	}
	return window
}

// collection abstracts the driver collection so tests can substitute a fake.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
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

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}
