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

// Package reshape rewrites filter and update documents before they are sent to the driver.
//
// All functions return new documents; their arguments are never modified.
package reshape

import (
	"errors"
	"maps"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/alexcorvi/mongots/internal/util/lazyerrors"
)

// DeepKey is the filter and update key whose entries are lifted to the parent document.
const DeepKey = "$deep"

// ErrInvalidDeep is returned when the $deep value is not a document.
var ErrInvalidDeep = errors.New("$deep value must be a document")

// FixDeep returns a copy of doc with the entries of doc["$deep"] merged into the top level.
//
// Entries of $deep replace top-level entries with the same key.
// A nil doc yields an empty document.
func FixDeep(doc bson.M) (bson.M, error) {
	res := make(bson.M, len(doc))
	maps.Copy(res, doc)

	deep, ok := res[DeepKey]
	if !ok {
		return res, nil
	}

	delete(res, DeepKey)

	if deep == nil {
		return res, nil
	}

	d, ok := toM(deep)
	if !ok {
		return nil, lazyerrors.Errorf("%w, got %T", ErrInvalidDeep, deep)
	}

	maps.Copy(res, d)

	return res, nil
}

// FixPullEq returns a copy of update where every {$pull: {field: {$eq: v}}}
// is replaced by {$pull: {field: v}}.
func FixPullEq(update bson.M) bson.M {
	res := maps.Clone(update)

	pull, ok := toM(res["$pull"])
	if !ok {
		return res
	}

	pull = maps.Clone(pull)

	for field, cond := range pull {
		c, ok := toM(cond)
		if !ok {
			continue
		}

		if v, ok := c["$eq"]; ok {
			pull[field] = v
		}
	}

	res["$pull"] = pull

	return res
}

// FixUpdate applies FixDeep to $set and $unset and then FixPullEq to the update document.
func FixUpdate(update bson.M) (bson.M, error) {
	res := maps.Clone(update)
	if res == nil {
		res = bson.M{}
	}

	for _, op := range []string{"$set", "$unset"} {
		v, ok := toM(res[op])
		if !ok {
			continue
		}

		fixed, err := FixDeep(v)
		if err != nil {
			return nil, lazyerrors.Errorf("%s: %w", op, err)
		}

		res[op] = fixed
	}

	return FixPullEq(res), nil
}

// StripSetOnInsert returns a copy of update without $setOnInsert fields
// that are also modified by another update operator.
//
// The server rejects updates where two operators touch the same path.
func StripSetOnInsert(update bson.M) bson.M {
	res := maps.Clone(update)

	soi, ok := asM(res["$setOnInsert"])
	if !ok {
		return res
	}

	soi = maps.Clone(soi)

	for op, v := range res {
		if op == "$setOnInsert" {
			continue
		}

		fields, ok := asM(v)
		if !ok {
			continue
		}

		for field := range fields {
			delete(soi, field)
		}
	}

	res["$setOnInsert"] = soi

	return res
}

// WithoutID encodes doc and removes its _id field.
func WithoutID(doc any) (bson.D, error) {
	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	var d bson.D
	if err = bson.Unmarshal(b, &d); err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := make(bson.D, 0, len(d))

	for _, e := range d {
		if e.Key != "_id" {
			res = append(res, e)
		}
	}

	return res, nil
}

// toM returns v as bson.M if v is one of the map-like document types.
func toM(v any) (bson.M, bool) {
	switch v := v.(type) {
	case bson.M:
		return v, true
	case map[string]any:
		return bson.M(v), true
	case bson.D:
		m := make(bson.M, len(v))
		for _, e := range v {
			m[e.Key] = e.Value
		}

		return m, true
	default:
		return nil, false
	}
}

// asM is like toM but also encodes structs and other marshalable documents.
func asM(v any) (bson.M, bool) {
	if m, ok := toM(v); ok {
		return m, true
	}

	if v == nil {
		return nil, false
	}

	b, err := bson.Marshal(v)
	if err != nil {
		return nil, false
	}

	var m bson.M
	if err = bson.Unmarshal(b, &m); err != nil {
		return nil, false
	}

	return m, true
}
