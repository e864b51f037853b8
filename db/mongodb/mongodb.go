// Package mongodb implements db.Database on a MongoDB collection. Keys are
// stored hex encoded in _id so that the index order matches the byte order
// of the keys and prefix scans become anchored regular expressions.
package mongodb

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/vocdoni/ballotbox/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionName = "kv"
	opTimeout      = 10 * time.Second
)

type document struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"v"`
}

// MongoDB implements db.Database.
type MongoDB struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ db.Database = (*MongoDB)(nil)

// New connects to opts.URI (or $MONGODB_URL) and uses opts.Path as the
// database name.
func New(opts db.Options) (*MongoDB, error) {
	uri := opts.URI
	if uri == "" {
		uri = os.Getenv("MONGODB_URL")
	}
	if uri == "" {
		return nil, fmt.Errorf("missing mongodb uri")
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("missing mongodb database name")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoDB{
		client:     client,
		collection: client.Database(opts.Path).Collection(collectionName),
	}, nil
}

func (m *MongoDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var doc document
	err := m.collection.FindOne(ctx, bson.M{"_id": hex.EncodeToString(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (m *MongoDB) scan(prefix []byte) ([]document, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	filter := bson.M{}
	if len(prefix) > 0 {
		filter["_id"] = bson.M{"$regex": "^" + hex.EncodeToString(prefix)}
	}
	cur, err := m.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (m *MongoDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	docs, err := m.scan(prefix)
	if err != nil {
		return err
	}
	for _, d := range docs {
		k, err := hex.DecodeString(d.ID)
		if err != nil {
			return fmt.Errorf("corrupt key %q: %w", d.ID, err)
		}
		if !callback(k[len(prefix):], d.Value) {
			break
		}
	}
	return nil
}

func (m *MongoDB) WriteTx() db.WriteTx {
	return &WriteTx{db: m, writes: make(map[string]*[]byte)}
}

func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Compact is a no-op, MongoDB manages its own storage.
func (m *MongoDB) Compact() error {
	return nil
}

// WriteTx buffers writes and flushes them in one ordered bulk write.
type WriteTx struct {
	db     *MongoDB
	writes map[string]*[]byte
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if v, ok := tx.writes[string(key)]; ok {
		if v == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*v), nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	entries := make(map[string][]byte)
	if err := tx.db.Iterate(prefix, func(k, v []byte) bool {
		entries[string(prefix)+string(k)] = bytes.Clone(v)
		return true
	}); err != nil {
		return err
	}
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = *v
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k)[len(prefix):], entries[k]) {
			break
		}
	}
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	v := bytes.Clone(value)
	tx.writes[string(key)] = &v
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := other.(*WriteTx)
	if !ok {
		return fmt.Errorf("cannot apply %T to a mongodb tx", other)
	}
	for k, v := range o.writes {
		tx.writes[k] = v
	}
	return nil
}

func (tx *WriteTx) Commit() error {
	if len(tx.writes) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(tx.writes))
	for k, v := range tx.writes {
		id := hex.EncodeToString([]byte(k))
		if v == nil {
			models = append(models, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": id}))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(document{ID: id, Value: *v}).
			SetUpsert(true))
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := tx.db.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("mongodb bulk write: %w", err)
	}
	tx.writes = make(map[string]*[]byte)
	return nil
}

func (tx *WriteTx) Discard() {
	tx.writes = make(map[string]*[]byte)
}
