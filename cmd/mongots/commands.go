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

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/dolmen-go/contextio"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/alexcorvi/mongots/build/version"
	"github.com/alexcorvi/mongots/internal/util/lazyerrors"
	"github.com/alexcorvi/mongots/mongots"
)

// runContext is passed to Run methods of all commands.
type runContext struct {
	ctx  context.Context
	conn *mongots.Conn
	out  io.Writer
	l    *zap.Logger
}

// collection returns an untyped collection accessor that keeps field order.
func (rc *runContext) collection(name string) *mongots.Collection[bson.D] {
	return mongots.NewCollection[bson.D](rc.conn, name)
}

// print writes values as relaxed Extended JSON, one per line.
// Writing stops when the context is canceled.
func (rc *runContext) print(values ...any) error {
	w := contextio.NewWriter(rc.ctx, rc.out)

	for _, v := range values {
		b, err := bson.MarshalExtJSON(v, false, false)
		if err != nil {
			return lazyerrors.Error(err)
		}

		if _, err = w.Write(append(b, '\n')); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return nil
}

// parseDoc parses a document in Extended JSON. Empty string means empty document.
//
// Only the top level becomes a map; nested documents keep field order.
func parseDoc(s string) (bson.M, error) {
	if strings.TrimSpace(s) == "" {
		return bson.M{}, nil
	}

	d, err := parseOrderedDoc(s)
	if err != nil {
		return nil, err
	}

	doc := make(bson.M, len(d))
	for _, e := range d {
		doc[e.Key] = e.Value
	}

	return doc, nil
}

// parseOrderedDoc is like parseDoc, but keeps field order.
func parseOrderedDoc(s string) (bson.D, error) {
	doc := bson.D{}

	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, fmt.Errorf("invalid Extended JSON document %q: %w", s, err)
	}

	return doc, nil
}

// parseSort parses "key" (ascending) or "-key" (descending).
func parseSort(s string) *mongots.Sort {
	if s == "" {
		return nil
	}

	if key, ok := strings.CutPrefix(s, "-"); ok {
		return pointer.To(mongots.Sort{Key: key, Direction: mongots.Descending})
	}

	return pointer.To(mongots.Sort{Key: strings.TrimPrefix(s, "+"), Direction: mongots.Ascending})
}

type readCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Filter     string `default:"{}" help:"Filter document."`
	Projection string `default:""   help:"Projection document."`
	Sort       string `default:""   help:"Sort key; prefix with '-' for descending order."`
	Skip       int64  `default:"0"  help:"Number of documents to skip."`
	Limit      int64  `default:"0"  help:"Maximum number of documents; 0 means no limit."`
	One        bool   `default:"false" help:"Print only the first document; fail if there is none."`
}

func (cmd *readCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	opts := &mongots.ReadOpts{
		Filter: filter,
		Skip:   cmd.Skip,
		Limit:  cmd.Limit,
		Sort:   parseSort(cmd.Sort),
	}

	if cmd.Projection != "" {
		if opts.Projection, err = parseDoc(cmd.Projection); err != nil {
			return err
		}
	}

	c := rc.collection(cmd.Collection)

	if cmd.One {
		doc, err := c.ReadOne(rc.ctx, opts)
		if err != nil {
			return err
		}

		return rc.print(doc)
	}

	docs, err := c.Read(rc.ctx, opts)
	if err != nil {
		return err
	}

	values := make([]any, len(docs))
	for i, doc := range docs {
		values[i] = doc
	}

	return rc.print(values...)
}

type countCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Filter     string `default:"{}" help:"Filter document."`
	Limit      int64  `default:"0"  help:"Maximum number of documents to count; 0 means no limit."`
}

func (cmd *countCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	n, err := rc.collection(cmd.Collection).Count(rc.ctx, &mongots.CountOpts{Filter: filter, Limit: cmd.Limit})
	if err != nil {
		return err
	}

	return rc.print(bson.M{"n": n})
}

type distinctCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Key        string `arg:"" help:"Field name."`
	Filter     string `default:"{}" help:"Filter document."`
}

func (cmd *distinctCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	values, err := rc.collection(cmd.Collection).ReadDistinct(rc.ctx, &mongots.DistinctOpts{Key: cmd.Key, Filter: filter})
	if err != nil {
		return err
	}

	return rc.print(bson.M{"values": values})
}

type insertCmd struct {
	Collection string   `arg:"" help:"Collection name."`
	Documents  []string `arg:"" help:"Documents to insert."`
}

func (cmd *insertCmd) Run(rc *runContext) error {
	docs := make([]bson.D, len(cmd.Documents))

	for i, s := range cmd.Documents {
		doc, err := parseOrderedDoc(s)
		if err != nil {
			return err
		}

		// documents without _id get a generated string identifier
		if !slices.ContainsFunc(doc, func(e bson.E) bool { return e.Key == "_id" }) {
			doc = append(bson.D{{Key: "_id", Value: mongots.NewID()}}, doc...)
		}

		docs[i] = doc
	}

	c := rc.collection(cmd.Collection)

	if len(docs) == 1 {
		res, err := c.CreateOne(rc.ctx, docs[0])
		if err != nil {
			return err
		}

		return rc.print(bson.M{"insertedIds": bson.A{res.InsertedID}})
	}

	res, err := c.CreateMany(rc.ctx, docs)
	if err != nil {
		return err
	}

	return rc.print(bson.M{"insertedIds": res.InsertedIDs})
}

type updateCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Update     string `arg:"" help:"Update document."`
	Filter     string `default:"{}" help:"Filter document."`
	Multi      bool   `default:"false" help:"Update all matching documents, not only the first one."`
}

func (cmd *updateCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	update, err := parseDoc(cmd.Update)
	if err != nil {
		return err
	}

	c := rc.collection(cmd.Collection)
	opts := &mongots.UpdateOpts{Filter: filter, Update: update}

	var res *mongo.UpdateResult
	if cmd.Multi {
		res, err = c.UpdateMany(rc.ctx, opts)
	} else {
		res, err = c.UpdateOne(rc.ctx, opts)
	}

	if err != nil {
		return err
	}

	return rc.print(updateResult(res))
}

type upsertCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Update     string `arg:"" help:"Update document."`
	Filter     string `default:"{}" help:"Filter document."`
	Multi      bool   `default:"false" help:"Update all matching documents, not only the first one."`
}

func (cmd *upsertCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	update, err := parseDoc(cmd.Update)
	if err != nil {
		return err
	}

	res, err := rc.collection(cmd.Collection).Upsert(rc.ctx, &mongots.UpsertOpts{
		Filter: filter,
		Update: update,
		Multi:  cmd.Multi,
	})
	if err != nil {
		return err
	}

	return rc.print(updateResult(res))
}

type replaceCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Document   string `arg:"" help:"Replacement document; _id is ignored."`
	Filter     string `default:"{}" help:"Filter document."`
	Upsert     bool   `default:"false" help:"Insert the document if nothing matches."`
}

func (cmd *replaceCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	doc, err := parseOrderedDoc(cmd.Document)
	if err != nil {
		return err
	}

	res, err := rc.collection(cmd.Collection).ReplaceOne(rc.ctx, &mongots.ReplaceOpts[bson.D]{
		Filter:   filter,
		Document: doc,
		Upsert:   cmd.Upsert,
	})
	if err != nil {
		return err
	}

	return rc.print(updateResult(res))
}

type deleteCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Filter     string `default:"{}" help:"Filter document."`
	Multi      bool   `default:"false" help:"Delete all matching documents, not only the first one."`
}

func (cmd *deleteCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	c := rc.collection(cmd.Collection)
	opts := &mongots.DeleteOpts{Filter: filter}

	var res *mongo.DeleteResult
	if cmd.Multi {
		res, err = c.DeleteMany(rc.ctx, opts)
	} else {
		res, err = c.DeleteOne(rc.ctx, opts)
	}

	if err != nil {
		return err
	}

	return rc.print(bson.M{"deletedCount": res.DeletedCount})
}

type createIndexCmd struct {
	Collection  string        `arg:"" help:"Collection name."`
	Keys        []string      `arg:"" help:"Indexed fields."`
	Unique      bool          `default:"false" help:"Reject duplicate values."`
	Sparse      bool          `default:"false" help:"Skip documents without indexed fields."`
	Background  bool          `default:"false" help:"Build the index in the background (ignored by modern servers)."`
	Name        string        `default:""      help:"Index name; generated from keys if empty."`
	ExpireAfter time.Duration `default:"0s"    help:"Make a TTL index."`
}

func (cmd *createIndexCmd) Run(rc *runContext) error {
	name, err := rc.collection(cmd.Collection).CreateIndex(rc.ctx, &mongots.IndexOpts{
		Key:         cmd.Keys,
		Unique:      cmd.Unique,
		Sparse:      cmd.Sparse,
		Background:  cmd.Background,
		Name:        cmd.Name,
		ExpireAfter: cmd.ExpireAfter,
	})
	if err != nil {
		return err
	}

	return rc.print(bson.M{"name": name})
}

type removeIndexCmd struct {
	Collection string   `arg:"" help:"Collection name."`
	Keys       []string `arg:"" help:"Indexed fields."`
}

func (cmd *removeIndexCmd) Run(rc *runContext) error {
	if err := rc.collection(cmd.Collection).RemoveIndex(rc.ctx, cmd.Keys...); err != nil {
		return err
	}

	return rc.print(bson.M{"name": mongots.IndexName(cmd.Keys...)})
}

type dropCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Confirm    string `required:"" help:"Collection name again, to confirm."`
}

func (cmd *dropCmd) Run(rc *runContext) error {
	if err := rc.collection(cmd.Collection).Drop(rc.ctx, cmd.Confirm); err != nil {
		return err
	}

	rc.l.Info("Collection dropped", zap.String("collection", cmd.Collection))

	return rc.print(bson.M{"dropped": cmd.Collection})
}

type renameCmd struct {
	Collection string `arg:"" help:"Collection name."`
	NewName    string `arg:"" help:"New collection name."`
	DropTarget bool   `default:"false" help:"Drop the existing collection with the new name."`
}

func (cmd *renameCmd) Run(rc *runContext) error {
	c := rc.collection(cmd.Collection)

	if err := c.Rename(rc.ctx, &mongots.RenameOpts{NewName: cmd.NewName, DropTarget: cmd.DropTarget}); err != nil {
		return err
	}

	return rc.print(bson.M{"name": c.Name()})
}

type collectionsCmd struct {
	Filter string `default:"{}" help:"Filter document for collection information."`
}

func (cmd *collectionsCmd) Run(rc *runContext) error {
	filter, err := parseDoc(cmd.Filter)
	if err != nil {
		return err
	}

	names, err := rc.conn.ListCollectionNames(rc.ctx, filter)
	if err != nil {
		return err
	}

	return rc.print(bson.M{"names": names})
}

type versionCmd struct{}

func (cmd *versionCmd) Run(rc *runContext) error {
	info := version.Get()

	fmt.Fprintln(rc.out, "version:", info.Version)
	fmt.Fprintln(rc.out, "commit:", info.Commit)
	fmt.Fprintln(rc.out, "branch:", info.Branch)
	fmt.Fprintln(rc.out, "dirty:", info.Dirty)
	fmt.Fprintln(rc.out, "package:", info.Package)
	fmt.Fprintln(rc.out, "debugBuild:", info.DebugBuild)

	return nil
}

// updateResult returns a printable update result.
func updateResult(res *mongo.UpdateResult) bson.M {
	return bson.M{
		"matchedCount":  res.MatchedCount,
		"modifiedCount": res.ModifiedCount,
		"upsertedCount": res.UpsertedCount,
		"upsertedId":    res.UpsertedID,
	}
}
