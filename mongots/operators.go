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
	"maps"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/alexcorvi/mongots/internal/reshape"
)

// Helpers below only build filter and update documents;
// operators are evaluated by the server.

// Merge returns a new document with entries of all given documents.
// Later documents override earlier ones.
//
//	Merge(Gt(1), Lt(5)) // {$gt: 1, $lt: 5}
func Merge(docs ...bson.M) bson.M {
	res := bson.M{}
	for _, d := range docs {
		maps.Copy(res, d)
	}

	return res
}

// Deep returns a {$deep: {...}} document.
// Its entries are lifted to the parent filter, $set, or $unset document before sending:
//
//	Merge(bson.M{"name": "x"}, Deep(bson.M{"address.city": "Cairo"}))
func Deep(fields bson.M) bson.M {
	return bson.M{reshape.DeepKey: fields}
}

// Field-level query operators.

// Eq matches values equal to v.
func Eq(v any) bson.M { return bson.M{"$eq": v} }

// Ne matches values not equal to v, including missing fields.
func Ne(v any) bson.M { return bson.M{"$ne": v} }

// Gt matches values greater than v.
func Gt(v any) bson.M { return bson.M{"$gt": v} }

// Gte matches values greater than or equal to v.
func Gte(v any) bson.M { return bson.M{"$gte": v} }

// Lt matches values less than v.
func Lt(v any) bson.M { return bson.M{"$lt": v} }

// Lte matches values less than or equal to v.
func Lte(v any) bson.M { return bson.M{"$lte": v} }

// In matches any of the given values.
func In(vs ...any) bson.M { return bson.M{"$in": bson.A(vs)} }

// Nin matches none of the given values, including missing fields.
func Nin(vs ...any) bson.M { return bson.M{"$nin": bson.A(vs)} }

// Not negates a field-level operator expression.
func Not(expr bson.M) bson.M { return bson.M{"$not": expr} }

// Exists matches documents that do (or do not) contain the field.
func Exists(b bool) bson.M { return bson.M{"$exists": b} }

// Mod matches values with the given remainder of division by divisor.
func Mod(divisor, remainder int64) bson.M { return bson.M{"$mod": bson.A{divisor, remainder}} }

// Regex matches strings against a PCRE pattern with options like "i".
func Regex(pattern, options string) bson.M {
	return bson.M{"$regex": primitive.Regex{Pattern: pattern, Options: options}}
}

// All matches arrays containing all given values.
func All(vs ...any) bson.M { return bson.M{"$all": bson.A(vs)} }

// ElemMatch matches arrays with at least one element matching all criteria.
func ElemMatch(criteria bson.M) bson.M { return bson.M{"$elemMatch": criteria} }

// Size matches arrays with exactly n elements.
func Size(n int) bson.M { return bson.M{"$size": n} }

// Top-level query operators.

// And matches documents satisfying all filters.
func And(filters ...bson.M) bson.M { return bson.M{"$and": filters} }

// Or matches documents satisfying at least one filter.
func Or(filters ...bson.M) bson.M { return bson.M{"$or": filters} }

// Nor matches documents failing all filters.
func Nor(filters ...bson.M) bson.M { return bson.M{"$nor": filters} }

// Where matches documents for which the JavaScript expression returns true.
func Where(js string) bson.M { return bson.M{"$where": primitive.JavaScript(js)} }

// Update operators.

// Set sets field values.
func Set(fields bson.M) bson.M { return bson.M{"$set": fields} }

// Unset removes fields.
func Unset(fields ...string) bson.M {
	m := make(bson.M, len(fields))
	for _, f := range fields {
		m[f] = ""
	}

	return bson.M{"$unset": m}
}

// Inc increments fields by given amounts.
func Inc(fields bson.M) bson.M { return bson.M{"$inc": fields} }

// Mul multiplies fields by given amounts.
func Mul(fields bson.M) bson.M { return bson.M{"$mul": fields} }

// Rename renames fields; values are new names.
func Rename(fields map[string]string) bson.M {
	m := make(bson.M, len(fields))
	for k, v := range fields {
		m[k] = v
	}

	return bson.M{"$rename": m}
}

// SetOnInsert sets field values only when an upsert inserts a document.
func SetOnInsert(fields bson.M) bson.M { return bson.M{"$setOnInsert": fields} }

// Min updates fields only if given values are less than current ones.
func Min(fields bson.M) bson.M { return bson.M{"$min": fields} }

// Max updates fields only if given values are greater than current ones.
func Max(fields bson.M) bson.M { return bson.M{"$max": fields} }

// CurrentDate sets fields to the current date.
func CurrentDate(fields ...string) bson.M {
	m := make(bson.M, len(fields))
	for _, f := range fields {
		m[f] = true
	}

	return bson.M{"$currentDate": m}
}

// AddToSet adds values to arrays unless they are already present.
// Use [Each] to add multiple values.
func AddToSet(fields bson.M) bson.M { return bson.M{"$addToSet": fields} }

// Pop removes the first (-1) or last (1) array element.
func Pop(fields map[string]int) bson.M {
	m := make(bson.M, len(fields))
	for k, v := range fields {
		m[k] = v
	}

	return bson.M{"$pop": m}
}

// PullAll removes all instances of given values from arrays.
func PullAll(fields bson.M) bson.M { return bson.M{"$pullAll": fields} }

// Pull removes array elements matching conditions.
func Pull(fields bson.M) bson.M { return bson.M{"$pull": fields} }

// Push appends values to arrays. Use [Each] for modifiers.
func Push(fields bson.M) bson.M { return bson.M{"$push": fields} }

// EachOpts represents $push and $addToSet modifiers.
// Zero fields are not sent; use pointers to send zero Slice or Position.
type EachOpts struct {
	Slice    *int
	Sort     any
	Position *int
}

// Each returns a {$each: [...]} modifier document for $push and $addToSet.
// Options apply to $push only.
func Each(values []any, opts *EachOpts) bson.M {
	m := bson.M{"$each": bson.A(values)}

	if opts == nil {
		return m
	}

	if opts.Slice != nil {
		m["$slice"] = *opts.Slice
	}

	if opts.Sort != nil {
		m["$sort"] = opts.Sort
	}

	if opts.Position != nil {
		m["$position"] = *opts.Position
	}

	return m
}
