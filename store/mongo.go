package store

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/logging"
	"github.com/agentnet/reconcile/schema"
)

// Error labels the server attaches to retryable transaction failures.
const (
	labelTransient     = "TransientTransactionError"
	labelUnknownCommit = "UnknownTransactionCommitResult"
)

// MongoConfig holds connection parameters for the Mongo backend.
type MongoConfig struct {
	// URI is the connection string, e.g. "mongodb://localhost:27017".
	URI string

	// Database name. Default: "agent_network".
	Database string

	// ConnectTimeout bounds the initial connect and ping. Default: 10s.
	ConnectTimeout time.Duration

	// MaxPoolSize bounds the connection pool. Default: 10.
	MaxPoolSize uint64
}

func (c *MongoConfig) withDefaults() MongoConfig {
	out := *c
	if out.URI == "" {
		out.URI = "mongodb://localhost:27017"
	}
	if out.Database == "" {
		out.Database = "agent_network"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.MaxPoolSize == 0 {
		out.MaxPoolSize = 10
	}
	return out
}

// Mongo implements Store on a MongoDB replica set. Multi-document
// transactions require a replica set or sharded deployment.
type Mongo struct {
	cfg MongoConfig
	log *logging.Logger

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo connects to MongoDB and verifies the connection with a
// ping. Writes default to majority durability with journaling.
func ConnectMongo(ctx context.Context, cfg MongoConfig, log *logging.Logger) (*Mongo, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logging.New()
	}

	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Mongo{
		cfg:    cfg,
		log:    log.WithComponent("Store"),
		client: client,
		db:     client.Database(cfg.Database),
	}, nil
}

func dial(ctx context.Context, cfg MongoConfig) (*mongo.Client, error) {
	journal := true
	wc := &writeconcern.WriteConcern{W: "majority", Journal: &journal}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(wc)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "connecting to store")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "pinging store")
	}
	return client, nil
}

// Reconnect discards the current client and dials again with the
// original connection parameters. The recovery manager calls this when
// the store health check fails; its retry policy wraps the single
// attempt made here.
func (s *Mongo) Reconnect(ctx context.Context) error {
	client, err := dial(ctx, s.cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.db = client.Database(s.cfg.Database)
	s.mu.Unlock()

	if old != nil {
		_ = old.Disconnect(context.Background())
	}
	s.log.Info("reconnected to store")
	return nil
}

// collection resolves a collection on the current client, which may
// have been swapped by Reconnect.
func (s *Mongo) collection(name string) *mongo.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Collection(name)
}

func (s *Mongo) currentClient() *mongo.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// InsertOne adds a document to a collection.
func (s *Mongo) InsertOne(ctx context.Context, collection string, doc schema.Doc) error {
	_, err := s.collection(collection).InsertOne(ctx, bson.M(doc))
	if mongo.IsDuplicateKeyError(err) {
		return errors.WrapWithCode(err, errors.ErrCodeAlreadyExists, "insert into "+collection)
	}
	if err != nil {
		return errors.Wrap(err, "insert into "+collection)
	}
	return nil
}

// FindOne returns the first matching document.
func (s *Mongo) FindOne(ctx context.Context, collection string, filter Filter) (schema.Doc, error) {
	var raw bson.M
	err := s.collection(collection).FindOne(ctx, filterToBSON(filter)).Decode(&raw)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Newf(errors.ErrCodeNotFound, "no document in %s matches filter", collection)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find in "+collection)
	}
	return docFromBSON(raw), nil
}

// Find returns all matching documents.
func (s *Mongo) Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]schema.Doc, error) {
	o := applyFindOptions(opts)

	findOpts := options.Find()
	if o.limit > 0 {
		findOpts.SetLimit(o.limit)
	}
	if o.sortKey != "" {
		dir := 1
		if o.sortDesc {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: o.sortKey, Value: dir}})
	}

	cursor, err := s.collection(collection).Find(ctx, filterToBSON(filter), findOpts)
	if err != nil {
		return nil, errors.Wrap(err, "find in "+collection)
	}
	defer cursor.Close(ctx)

	var out []schema.Doc
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, errors.Wrap(err, "decoding document from "+collection)
		}
		out = append(out, docFromBSON(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating cursor on "+collection)
	}
	return out, nil
}

// Count returns the number of matching documents.
func (s *Mongo) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	n, err := s.collection(collection).CountDocuments(ctx, filterToBSON(filter))
	if err != nil {
		return 0, errors.Wrap(err, "count in "+collection)
	}
	return n, nil
}

// UpdateOne applies update to the first matching document.
func (s *Mongo) UpdateOne(ctx context.Context, collection string, filter Filter, update Update) error {
	_, err := s.collection(collection).UpdateOne(ctx, filterToBSON(filter), updateToBSON(update))
	if err != nil {
		return errors.Wrap(err, "update in "+collection)
	}
	return nil
}

// UpdateMany applies update to every matching document.
func (s *Mongo) UpdateMany(ctx context.Context, collection string, filter Filter, update Update) (int64, error) {
	res, err := s.collection(collection).UpdateMany(ctx, filterToBSON(filter), updateToBSON(update))
	if err != nil {
		return 0, errors.Wrap(err, "update many in "+collection)
	}
	return res.ModifiedCount, nil
}

// ReplaceOne replaces the first matching document, optionally upserting.
func (s *Mongo) ReplaceOne(ctx context.Context, collection string, filter Filter, doc schema.Doc, upsert bool) error {
	opts := options.Replace().SetUpsert(upsert)
	_, err := s.collection(collection).ReplaceOne(ctx, filterToBSON(filter), bson.M(doc), opts)
	if err != nil {
		return errors.Wrap(err, "replace in "+collection)
	}
	return nil
}

// DeleteOne removes the first matching document.
func (s *Mongo) DeleteOne(ctx context.Context, collection string, filter Filter) error {
	_, err := s.collection(collection).DeleteOne(ctx, filterToBSON(filter))
	if err != nil {
		return errors.Wrap(err, "delete in "+collection)
	}
	return nil
}

// ExecuteAtomic runs the operation list inside one multi-document
// transaction with snapshot reads and majority-durable writes. Commit
// and conflict failures the server labels retryable come back with the
// TRANSIENT_CONFLICT or UNKNOWN_COMMIT codes; retrying is the
// transaction coordinator's decision, not the gateway's.
func (s *Mongo) ExecuteAtomic(ctx context.Context, ops []Operation) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	sess, err := s.currentClient().StartSession()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "starting session")
	}
	defer sess.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority()).
		SetReadPreference(readpref.Primary())

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txnOpts); err != nil {
			return err
		}
		for i := range ops {
			if err := s.applyOperation(sc, ops[i]); err != nil {
				_ = sess.AbortTransaction(sc)
				return err
			}
		}
		return sess.CommitTransaction(sc)
	})
	return classifyTxnError(err)
}

func (s *Mongo) applyOperation(ctx mongo.SessionContext, op Operation) error {
	coll := s.collection(op.Collection)
	var err error
	switch op.Kind {
	case OpInsert:
		_, err = coll.InsertOne(ctx, bson.M(op.Doc))
	case OpUpdate:
		_, err = coll.UpdateOne(ctx, filterToBSON(op.Filter), updateToBSON(*op.Update))
	case OpUpdateMany:
		_, err = coll.UpdateMany(ctx, filterToBSON(op.Filter), updateToBSON(*op.Update))
	case OpReplace:
		_, err = coll.ReplaceOne(ctx, filterToBSON(op.Filter), bson.M(op.Doc))
	case OpDelete:
		_, err = coll.DeleteOne(ctx, filterToBSON(op.Filter))
	case OpDeleteMany:
		_, err = coll.DeleteMany(ctx, filterToBSON(op.Filter))
	default:
		return errors.Newf(errors.ErrCodeUnsupported, "unknown operation kind %q", op.Kind)
	}
	return err
}

func classifyTxnError(err error) error {
	if err == nil {
		return nil
	}
	var srvErr mongo.ServerError
	if stderrors.As(err, &srvErr) {
		if srvErr.HasErrorLabel(labelTransient) {
			return errors.WrapWithCode(err, errors.ErrCodeTransientConflict, "transient transaction conflict")
		}
		if srvErr.HasErrorLabel(labelUnknownCommit) {
			return errors.WrapWithCode(err, errors.ErrCodeUnknownCommit, "transaction commit outcome unknown")
		}
	}
	if errors.Code(err) != "" {
		return err
	}
	return errors.Wrap(err, "executing transaction")
}

// EnsureIndexes creates the indexes every component relies on. Safe to
// call repeatedly.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := map[string][]mongo.IndexModel{
		schema.CollectionTasks: {
			{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "assigned_to", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
		schema.CollectionAgentStates: {
			{Keys: bson.D{{Key: "agent_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		schema.CollectionActivityLogs: {
			{Keys: bson.D{{Key: "agent_id", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		},
		schema.CollectionWorkRequests: {
			{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
	}

	for collection, models := range indexes {
		if _, err := s.collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrap(err, "creating indexes on "+collection)
		}
	}
	s.log.Info("collection indexes ensured")
	return nil
}

// Stats returns per-collection document counts.
func (s *Mongo) Stats(ctx context.Context) (map[string]int64, error) {
	collections := []string{
		schema.CollectionTasks,
		schema.CollectionAgentStates,
		schema.CollectionActivityLogs,
		schema.CollectionWorkRequests,
		schema.CollectionArchivedTasks,
	}
	out := make(map[string]int64, len(collections))
	for _, name := range collections {
		n, err := s.collection(name).CountDocuments(ctx, bson.M{})
		if err != nil {
			return nil, errors.Wrap(err, "counting "+name)
		}
		out[name] = n
	}
	return out, nil
}

// Ping verifies connectivity to the primary.
func (s *Mongo) Ping(ctx context.Context) error {
	if err := s.currentClient().Ping(ctx, readpref.Primary()); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "pinging store")
	}
	return nil
}

// Close disconnects the client.
func (s *Mongo) Close(ctx context.Context) error {
	return s.currentClient().Disconnect(ctx)
}

func filterToBSON(f Filter) bson.M {
	out := bson.M{}
	for key, v := range f {
		switch op := v.(type) {
		case In:
			out[key] = bson.M{"$in": []interface{}(op)}
		case Ne:
			out[key] = bson.M{"$ne": op.Value}
		case Lt:
			out[key] = bson.M{"$lt": op.Value}
		case Gt:
			out[key] = bson.M{"$gt": op.Value}
		case Exists:
			out[key] = bson.M{"$exists": bool(op)}
		default:
			out[key] = v
		}
	}
	return out
}

func updateToBSON(u Update) bson.M {
	out := bson.M{}
	if len(u.Set) > 0 {
		out["$set"] = bson.M(u.Set)
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, field := range u.Unset {
			unset[field] = 1
		}
		out["$unset"] = unset
	}
	if len(u.Inc) > 0 {
		inc := bson.M{}
		for field, delta := range u.Inc {
			inc[field] = delta
		}
		out["$inc"] = inc
	}
	return out
}

// docFromBSON converts a decoded BSON document into the gateway's
// native representation: plain maps, slices and time.Time values. The
// store-internal _id is dropped; entities are addressed by their
// natural keys.
func docFromBSON(m bson.M) schema.Doc {
	out := make(schema.Doc, len(m))
	for k, v := range m {
		if k == "_id" {
			continue
		}
		out[k] = normalizeBSON(v)
	}
	return out
}

func normalizeBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeBSON(e)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}
