// Package mongo implements the checkpoint store against the MongoDB
// collection that holds chat metadata. The checkpoint is one field of the
// chat document; Set upserts so the record is created on first append and
// updated in place afterwards.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/runstream/checkpoint"
	"goa.design/runstream/journal"
)

type (
	// Options configures the Mongo checkpoint store.
	Options struct {
		// Client is the Mongo connection. Required; the caller owns its
		// lifecycle.
		Client *mongodriver.Client
		// Database is the database holding the chat collection. Required.
		Database string
		// Collection is the chat metadata collection. Defaults to "chats".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the Mongo implementation of checkpoint.Store.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	chatDocument struct {
		ConversationID string    `bson:"conversation_id"`
		LastEntryID    string    `bson:"last_entry_id"`
		CreatedAt      time.Time `bson:"created_at"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}
)

const (
	defaultCollection = "chats"
	defaultTimeout    = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

// New returns a checkpoint store backed by the provided Mongo client. The
// conversation id index is created eagerly so first use does not race index
// builds.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure chat index: %w", err)
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Last implements checkpoint.Store.
func (s *Store) Last(ctx context.Context, conversationID string) (journal.EntryID, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc chatDocument
	err := s.coll.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return "", checkpoint.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint for %s: %w", conversationID, err)
	}
	if doc.LastEntryID == "" {
		return "", checkpoint.ErrNotFound
	}
	return journal.EntryID(doc.LastEntryID), nil
}

// Set implements checkpoint.Store.
func (s *Store) Set(ctx context.Context, conversationID string, id journal.EntryID) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	now := time.Now().UTC()
	filter := bson.M{"conversation_id": conversationID}
	update := bson.M{
		"$set": bson.M{
			"last_entry_id": string(id),
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{
			"conversation_id": conversationID,
			"created_at":      now,
		},
	}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("persist checkpoint for %s: %w", conversationID, err)
	}
	return nil
}
