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
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/alexcorvi/mongots/internal/opmetrics"
	"github.com/alexcorvi/mongots/internal/util/testutil"
	"github.com/alexcorvi/mongots/mongots"
)

func TestParseDoc(t *testing.T) {
	t.Parallel()

	doc, err := parseDoc(`{"age": {"$gt": 18}, "n": {"$numberLong": "5"}}`)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"age": bson.D{{Key: "$gt", Value: int32(18)}}, "n": int64(5)}, doc)

	doc, err = parseDoc(`{"$push": {"s": {"$each": [1], "$sort": {"b": 1, "a": -1}}}}`)
	require.NoError(t, err)
	expected := bson.M{"$push": bson.D{{Key: "s", Value: bson.D{
		{Key: "$each", Value: bson.A{int32(1)}},
		{Key: "$sort", Value: bson.D{{Key: "b", Value: int32(1)}, {Key: "a", Value: int32(-1)}}},
	}}}}
	assert.Equal(t, expected, doc)

	doc, err = parseDoc("  ")
	require.NoError(t, err)
	assert.Equal(t, bson.M{}, doc)

	_, err = parseDoc("{")
	assert.Error(t, err)

	ordered, err := parseOrderedDoc(`{"b": 1, "a": {"c": true}}`)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "b", Value: int32(1)}, {Key: "a", Value: bson.D{{Key: "c", Value: true}}}}, ordered)
}

func TestParseSort(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseSort(""))
	assert.Equal(t, &mongots.Sort{Key: "age", Direction: mongots.Ascending}, parseSort("age"))
	assert.Equal(t, &mongots.Sort{Key: "age", Direction: mongots.Ascending}, parseSort("+age"))
	assert.Equal(t, &mongots.Sort{Key: "age", Direction: mongots.Descending}, parseSort("-age"))
}

// TestCLI checks kong tags; it modifies the global cli struct, so it is not parallel.
func TestCLI(t *testing.T) {
	parser, err := kong.New(&cli, kongOptions...)
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{"--db", "app", "update", "users", `{"$set": {"a": 1}}`, "--multi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(kctx.Command(), "update "), kctx.Command())
	assert.Equal(t, "app", cli.DB)
	assert.Equal(t, "users", cli.Update.Collection)
	assert.True(t, cli.Update.Multi)
	assert.Equal(t, "{}", cli.Update.Filter)

	kctx, err = parser.Parse([]string{"create-index", "users", "name", "age", "--unique", "--expire-after", "1h"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(kctx.Command(), "create-index "), kctx.Command())
	assert.Equal(t, []string{"name", "age"}, cli.CreateIndex.Keys)
	assert.Equal(t, time.Hour, cli.CreateIndex.ExpireAfter)

	_, err = parser.Parse([]string{"drop", "users"})
	assert.Error(t, err, "--confirm is required")

	_, err = parser.Parse([]string{"--log-format", "xml", "version"})
	assert.Error(t, err)
}

func TestDumpMetrics(t *testing.T) {
	t.Parallel()

	m := opmetrics.NewMetrics()
	m.Observe("users", "read", time.Millisecond, "ok")

	r := prometheus.NewRegistry()
	r.MustRegister(m)

	var buf bytes.Buffer
	dumpMetrics(&buf, r)

	assert.Contains(t, buf.String(), `mongots_operations_total{collection="users",operation="read",result="ok"} 1`)
}

func TestWaitForConn(t *testing.T) {
	t.Parallel()

	conn, err := mongots.Connect(&mongots.ConnectOpts{
		URL:                    "mongodb://127.0.0.1:1",
		DB:                     "test",
		ServerSelectionTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	err = waitForConn(testutil.Ctx(t), conn, 1, 10*time.Millisecond, testutil.Logger(t))
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestCommands(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	setup := func(mt *mtest.T) (*runContext, *bytes.Buffer) {
		conn, err := mongots.Connect(&mongots.ConnectOpts{DB: "test", Client: mt.Client})
		require.NoError(mt, err)

		var buf bytes.Buffer

		return &runContext{
			ctx:  testutil.Ctx(mt.T),
			conn: conn,
			out:  &buf,
			l:    testutil.Logger(mt.T),
		}, &buf
	}

	lines := func(buf *bytes.Buffer) []string {
		return strings.Split(strings.TrimSpace(buf.String()), "\n")
	}

	mt.Run("Read", func(mt *mtest.T) {
		rc, buf := setup(mt)

		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.users", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "u1"}, {Key: "age", Value: 30}},
			bson.D{{Key: "_id", Value: "u2"}, {Key: "age", Value: 40}},
		))

		cmd := &readCmd{Collection: "users", Filter: `{"age": {"$gt": 18}}`, Sort: "-age", Limit: 2}
		require.NoError(mt, cmd.Run(rc))

		assert.Equal(mt, []string{`{"_id":"u1","age":30}`, `{"_id":"u2","age":40}`}, lines(buf))

		e := mt.GetStartedEvent()
		require.NotNil(mt, e)
		assert.Equal(mt, "find", e.CommandName)
		assert.EqualValues(mt, 18, e.Command.Lookup("filter", "age", "$gt").AsInt64())
	})

	mt.Run("Insert", func(mt *mtest.T) {
		rc, buf := setup(mt)

		mt.AddMockResponses(mtest.CreateSuccessResponse())

		cmd := &insertCmd{Collection: "users", Documents: []string{`{"_id": "a"}`, `{"name": "b"}`}}
		require.NoError(mt, cmd.Run(rc))

		out := lines(buf)
		require.Len(mt, out, 1)
		assert.True(mt, strings.HasPrefix(out[0], `{"insertedIds":["a","`), out[0])
	})

	mt.Run("Update", func(mt *mtest.T) {
		rc, buf := setup(mt)

		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}, bson.E{Key: "nModified", Value: 2}))

		cmd := &updateCmd{Collection: "users", Update: `{"$inc": {"age": 1}}`, Filter: "{}", Multi: true}
		require.NoError(mt, cmd.Run(rc))

		var res bson.M
		require.NoError(mt, bson.UnmarshalExtJSON(buf.Bytes(), false, &res))
		assert.EqualValues(mt, 3, res["matchedCount"])
		assert.EqualValues(mt, 2, res["modifiedCount"])
	})

	mt.Run("Count", func(mt *mtest.T) {
		rc, buf := setup(mt)

		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.users", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: 1}, {Key: "n", Value: 7}},
		))

		require.NoError(mt, (&countCmd{Collection: "users", Filter: "{}"}).Run(rc))
		assert.Equal(mt, []string{`{"n":7}`}, lines(buf))
	})

	mt.Run("DropMismatch", func(mt *mtest.T) {
		rc, _ := setup(mt)

		err := (&dropCmd{Collection: "users", Confirm: "user"}).Run(rc)
		assert.ErrorIs(mt, err, mongots.ErrNameMismatch)
	})

	mt.Run("Version", func(mt *mtest.T) {
		rc, buf := setup(mt)

		require.NoError(mt, (&versionCmd{}).Run(rc))
		assert.Contains(mt, buf.String(), "version: v")
	})
}
