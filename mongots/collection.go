// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mongots

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/alexcorvi/mongots/internal/reshape"
	"github.com/alexcorvi/mongots/internal/util/lazyerrors"
)

// Direction is a sort or index direction.
type Direction int

// Sort directions.
const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// Sort represents a single sort key.
// Zero Direction means Ascending.
type Sort struct {
	Key       string
	Direction Direction
}

// doc returns the sort document for the driver.
func (s *Sort) doc() bson.D {
	d := s.Direction
	if d == 0 {
		d = Ascending
	}

	return bson.D{{Key: s.Key, Value: int(d)}}
}

// ReadOpts represents [Collection.Read] options.
type ReadOpts struct {
	Filter     bson.M
	Skip       int64 // ignored if not positive
	Limit      int64 // ignored if not positive
	Sort       *Sort
	Projection bson.M
}

// UpdateOpts represents [Collection.UpdateOne] and [Collection.UpdateMany] options.
type UpdateOpts struct {
	Filter bson.M
	Update bson.M
}

// ReplaceOpts represents [Collection.ReplaceOne] options.
type ReplaceOpts[S any] struct {
	Filter   bson.M
	Document S
	Upsert   bool
}

// UpsertOpts represents [Collection.Upsert] options.
type UpsertOpts struct {
	Filter bson.M
	Update bson.M
	Multi  bool
}

// DeleteOpts represents [Collection.DeleteOne] and [Collection.DeleteMany] options.
type DeleteOpts struct {
	Filter bson.M
}

// CountOpts represents [Collection.Count] options.
type CountOpts struct {
	Filter bson.M
	Limit  int64 // ignored if not positive
}

// DistinctOpts represents [Collection.ReadDistinct] options.
type DistinctOpts struct {
	Key    string
	Filter bson.M
}

// IndexOpts represents [Collection.CreateIndex] options.
type IndexOpts struct {
	// Key lists indexed fields in order; all of them are ascending.
	Key []string

	Unique     bool
	Sparse     bool
	Background bool

	// DropDups is not supported by MongoDB 3.0+ servers and is ignored with a warning.
	DropDups bool

	// Name overrides the generated index name.
	Name string

	// ExpireAfter makes a TTL index if positive.
	// It is rounded up to whole seconds.
	ExpireAfter time.Duration
}

// RenameOpts represents [Collection.Rename] options.
type RenameOpts struct {
	NewName    string
	DropTarget bool
}

// Collection binds a named collection of the Conn's database.
//
// S is the document type, typically a struct embedding [Model] or bson.M.
// Collection is safe for concurrent use.
type Collection[S any] struct {
	conn *Conn

	rw   sync.RWMutex
	name string
}

// NewCollection returns a Collection accessor for the given name.
// It does not connect or create anything on the server.
func NewCollection[S any](conn *Conn, name string) *Collection[S] {
	return &Collection[S]{
		conn: conn,
		name: name,
	}
}

// Name returns the current collection name.
func (c *Collection[S]) Name() string {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return c.name
}

// Driver returns the driver collection, connecting first if needed.
func (c *Collection[S]) Driver(ctx context.Context) (*mongo.Collection, error) {
	db, err := c.conn.Database(ctx)
	if err != nil {
		return nil, err
	}

	return db.Collection(c.Name()), nil
}

// CreateOne inserts a single document.
//
// If the document embeds [Model] without id, a new id is generated.
func (c *Collection[S]) CreateOne(ctx context.Context, doc S) (res *mongo.InsertOneResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "createOne")
	defer func() { done(err) }()

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	if res, err = coll.InsertOne(ctx, withID(doc)); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// CreateMany inserts multiple documents.
func (c *Collection[S]) CreateMany(ctx context.Context, docs []S) (res *mongo.InsertManyResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "createMany")
	defer func() { done(err) }()

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	in := make([]any, len(docs))
	for i, doc := range docs {
		in[i] = withID(doc)
	}

	if res, err = coll.InsertMany(ctx, in); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// Read returns all documents matching the filter.
func (c *Collection[S]) Read(ctx context.Context, opts *ReadOpts) (docs []S, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "read")
	defer func() { done(err) }()

	if opts == nil {
		opts = new(ReadOpts)
	}

	filter, err := reshape.FixDeep(opts.Filter)
	if err != nil {
		return nil, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find()

	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort.doc())
	}

	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}

	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}

	cursor, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	docs = []S{}
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return docs, nil
}

// ReadOne returns the first document matching the filter, or [ErrNotFound].
// Limit is ignored.
func (c *Collection[S]) ReadOne(ctx context.Context, opts *ReadOpts) (doc S, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "readOne")
	defer func() { done(err) }()

	if opts == nil {
		opts = new(ReadOpts)
	}

	filter, err := reshape.FixDeep(opts.Filter)
	if err != nil {
		return doc, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return doc, err
	}

	findOpts := options.FindOne()

	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort.doc())
	}

	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}

	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}

	err = coll.FindOne(ctx, filter, findOpts).Decode(&doc)

	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return doc, ErrNotFound
	default:
		return doc, lazyerrors.Error(err)
	}
}

// UpdateMany updates all documents matching the filter.
//
// $deep is flattened in the filter, $set, and $unset;
// {$pull: {field: {$eq: v}}} is sent as {$pull: {field: v}}.
func (c *Collection[S]) UpdateMany(ctx context.Context, opts *UpdateOpts) (res *mongo.UpdateResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "updateMany")
	defer func() { done(err) }()

	return c.update(ctx, opts, true)
}

// UpdateOne updates the first document matching the filter.
// Documents are reshaped as in [Collection.UpdateMany].
func (c *Collection[S]) UpdateOne(ctx context.Context, opts *UpdateOpts) (res *mongo.UpdateResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "updateOne")
	defer func() { done(err) }()

	return c.update(ctx, opts, false)
}

// update implements UpdateOne and UpdateMany.
func (c *Collection[S]) update(ctx context.Context, opts *UpdateOpts, multi bool) (*mongo.UpdateResult, error) {
	if opts == nil || len(opts.Update) == 0 {
		return nil, ErrEmptyUpdate
	}

	filter, update, err := prepareUpdate(opts.Filter, opts.Update)
	if err != nil {
		return nil, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	var res *mongo.UpdateResult
	if multi {
		res, err = coll.UpdateMany(ctx, filter, update)
	} else {
		res, err = coll.UpdateOne(ctx, filter, update)
	}

	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// ReplaceOne replaces the first document matching the filter.
// The _id field of the replacement is never sent.
func (c *Collection[S]) ReplaceOne(ctx context.Context, opts *ReplaceOpts[S]) (res *mongo.UpdateResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "replaceOne")
	defer func() { done(err) }()

	if opts == nil {
		return nil, lazyerrors.New("replace options are nil")
	}

	filter, err := reshape.FixDeep(opts.Filter)
	if err != nil {
		return nil, err
	}

	doc, err := reshape.WithoutID(opts.Document)
	if err != nil {
		return nil, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	if res, err = coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(opts.Upsert)); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// Upsert updates documents matching the filter, inserting one if none match.
//
// Documents are reshaped as in [Collection.UpdateMany];
// then fields changed by other operators are removed from $setOnInsert.
func (c *Collection[S]) Upsert(ctx context.Context, opts *UpsertOpts) (res *mongo.UpdateResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "upsert")
	defer func() { done(err) }()

	if opts == nil || len(opts.Update) == 0 {
		return nil, ErrEmptyUpdate
	}

	filter, update, err := prepareUpdate(opts.Filter, opts.Update)
	if err != nil {
		return nil, err
	}

	update = reshape.StripSetOnInsert(update)

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	updateOpts := options.Update().SetUpsert(true)

	if opts.Multi {
		res, err = coll.UpdateMany(ctx, filter, update, updateOpts)
	} else {
		res, err = coll.UpdateOne(ctx, filter, update, updateOpts)
	}

	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// DeleteMany deletes all documents matching the filter.
func (c *Collection[S]) DeleteMany(ctx context.Context, opts *DeleteOpts) (res *mongo.DeleteResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "deleteMany")
	defer func() { done(err) }()

	return c.delete(ctx, opts, true)
}

// DeleteOne deletes the first document matching the filter.
func (c *Collection[S]) DeleteOne(ctx context.Context, opts *DeleteOpts) (res *mongo.DeleteResult, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "deleteOne")
	defer func() { done(err) }()

	return c.delete(ctx, opts, false)
}

// delete implements DeleteOne and DeleteMany.
func (c *Collection[S]) delete(ctx context.Context, opts *DeleteOpts, multi bool) (*mongo.DeleteResult, error) {
	if opts == nil {
		opts = new(DeleteOpts)
	}

	filter, err := reshape.FixDeep(opts.Filter)
	if err != nil {
		return nil, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	var res *mongo.DeleteResult
	if multi {
		res, err = coll.DeleteMany(ctx, filter)
	} else {
		res, err = coll.DeleteOne(ctx, filter)
	}

	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// Count returns the number of documents matching the filter.
func (c *Collection[S]) Count(ctx context.Context, opts *CountOpts) (n int64, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "count")
	defer func() { done(err) }()

	if opts == nil {
		opts = new(CountOpts)
	}

	filter, err := reshape.FixDeep(opts.Filter)
	if err != nil {
		return 0, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return 0, err
	}

	countOpts := options.Count()
	if opts.Limit > 0 {
		countOpts.SetLimit(opts.Limit)
	}

	if n, err = coll.CountDocuments(ctx, filter, countOpts); err != nil {
		return 0, lazyerrors.Error(err)
	}

	return n, nil
}

// ReadDistinct returns distinct values of the key across documents matching the filter.
//
// Use [Distinct] to decode values into a concrete type.
func (c *Collection[S]) ReadDistinct(ctx context.Context, opts *DistinctOpts) (values []any, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "readDistinct")
	defer func() { done(err) }()

	if opts == nil || opts.Key == "" {
		return nil, lazyerrors.New("distinct key is empty")
	}

	filter, err := reshape.FixDeep(opts.Filter)
	if err != nil {
		return nil, err
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return nil, err
	}

	if values, err = coll.Distinct(ctx, opts.Key, filter); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return values, nil
}

// Distinct is a typed variant of [Collection.ReadDistinct].
// Values are decoded into T with the driver's default codecs.
func Distinct[T, S any](ctx context.Context, c *Collection[S], opts *DistinctOpts) ([]T, error) {
	values, err := c.ReadDistinct(ctx, opts)
	if err != nil {
		return nil, err
	}

	b, err := bson.Marshal(bson.M{"v": values})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	var res struct {
		V []T `bson:"v"`
	}

	if err = bson.Unmarshal(b, &res); err != nil {
		return nil, lazyerrors.Error(err)
	}

	if res.V == nil {
		res.V = []T{}
	}

	return res.V, nil
}

// Drop drops the whole collection.
// The name must match the collection name, otherwise [ErrNameMismatch] is returned.
func (c *Collection[S]) Drop(ctx context.Context, name string) (err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "drop")
	defer func() { done(err) }()

	if name != c.Name() {
		return ErrNameMismatch
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return err
	}

	if err = coll.Drop(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// CreateIndex creates an ascending index on the given keys and returns its name.
func (c *Collection[S]) CreateIndex(ctx context.Context, opts *IndexOpts) (name string, err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "createIndex")
	defer func() { done(err) }()

	if opts == nil || len(opts.Key) == 0 {
		return "", lazyerrors.New("index key is empty")
	}

	keys := make(bson.D, len(opts.Key))
	for i, k := range opts.Key {
		keys[i] = bson.E{Key: k, Value: int(Ascending)}
	}

	indexOpts := options.Index()

	if opts.Unique {
		indexOpts.SetUnique(true)
	}

	if opts.Sparse {
		indexOpts.SetSparse(true)
	}

	if opts.Background {
		indexOpts.SetBackground(true)
	}

	if opts.Name != "" {
		indexOpts.SetName(opts.Name)
	}

	if opts.ExpireAfter > 0 {
		var secs int32
		if secs, err = expireAfterSeconds(opts.ExpireAfter); err != nil {
			return "", err
		}

		indexOpts.SetExpireAfterSeconds(secs)
	}

	if opts.DropDups {
		c.conn.l.Warn("dropDups index option is not supported by the server and is ignored", zap.Strings("key", opts.Key))
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return "", err
	}

	name, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: indexOpts})
	if err != nil {
		return "", lazyerrors.Error(err)
	}

	return name, nil
}

// RemoveIndex drops the index created by [Collection.CreateIndex] with the same key
// and no explicit name.
func (c *Collection[S]) RemoveIndex(ctx context.Context, key ...string) (err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "removeIndex")
	defer func() { done(err) }()

	if len(key) == 0 {
		return lazyerrors.New("index key is empty")
	}

	coll, err := c.Driver(ctx)
	if err != nil {
		return err
	}

	if _, err = coll.Indexes().DropOne(ctx, IndexName(key...)); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// Rename renames the collection and rebinds the accessor to the new name.
func (c *Collection[S]) Rename(ctx context.Context, opts *RenameOpts) (err error) {
	ctx, done := c.conn.startOp(ctx, c.Name(), "rename")
	defer func() { done(err) }()

	if opts == nil || opts.NewName == "" {
		return lazyerrors.New("new collection name is empty")
	}

	db, err := c.conn.Database(ctx)
	if err != nil {
		return err
	}

	// hold the lock so concurrent operations do not see a half-renamed collection
	c.rw.Lock()
	defer c.rw.Unlock()

	cmd := bson.D{
		{Key: "renameCollection", Value: db.Name() + "." + c.name},
		{Key: "to", Value: db.Name() + "." + opts.NewName},
		{Key: "dropTarget", Value: opts.DropTarget},
	}

	if err = db.Client().Database("admin").RunCommand(ctx, cmd).Err(); err != nil {
		return lazyerrors.Error(err)
	}

	c.conn.l.Info("Collection renamed", zap.String("from", c.name), zap.String("to", opts.NewName))
	c.name = opts.NewName

	return nil
}

// Find is an alias for [Collection.Read].
func (c *Collection[S]) Find(ctx context.Context, opts *ReadOpts) ([]S, error) {
	return c.Read(ctx, opts)
}

// Insert is an alias for [Collection.CreateOne].
func (c *Collection[S]) Insert(ctx context.Context, doc S) (*mongo.InsertOneResult, error) {
	return c.CreateOne(ctx, doc)
}

// InsertOne is an alias for [Collection.CreateOne].
func (c *Collection[S]) InsertOne(ctx context.Context, doc S) (*mongo.InsertOneResult, error) {
	return c.CreateOne(ctx, doc)
}

// InsertMany is an alias for [Collection.CreateMany].
func (c *Collection[S]) InsertMany(ctx context.Context, docs []S) (*mongo.InsertManyResult, error) {
	return c.CreateMany(ctx, docs)
}

// Distinct is an alias for [Collection.ReadDistinct].
func (c *Collection[S]) Distinct(ctx context.Context, opts *DistinctOpts) ([]any, error) {
	return c.ReadDistinct(ctx, opts)
}

// RemoveOne is an alias for [Collection.DeleteOne].
func (c *Collection[S]) RemoveOne(ctx context.Context, opts *DeleteOpts) (*mongo.DeleteResult, error) {
	return c.DeleteOne(ctx, opts)
}

// RemoveMany is an alias for [Collection.DeleteMany].
func (c *Collection[S]) RemoveMany(ctx context.Context, opts *DeleteOpts) (*mongo.DeleteResult, error) {
	return c.DeleteMany(ctx, opts)
}

// IndexName returns the name the server assigns to an ascending index on the given keys.
func IndexName(key ...string) string {
	parts := make([]string, 0, len(key)*2)
	for _, k := range key {
		parts = append(parts, k, "1")
	}

	return strings.Join(parts, "_")
}

// expireAfterSeconds converts a positive TTL to whole seconds, rounding up.
func expireAfterSeconds(d time.Duration) (int32, error) {
	secs := (d + time.Second - 1) / time.Second
	if secs > math.MaxInt32 {
		return 0, lazyerrors.Errorf("index TTL %s is too large", d)
	}

	return int32(secs), nil
}

// prepareUpdate reshapes filter and update documents of update operations.
func prepareUpdate(filter, update bson.M) (bson.M, bson.M, error) {
	f, err := reshape.FixDeep(filter)
	if err != nil {
		return nil, nil, err
	}

	u, err := reshape.FixUpdate(update)
	if err != nil {
		return nil, nil, err
	}

	return f, u, nil
}
