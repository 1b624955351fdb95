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

//go:build integration

package mongots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alexcorvi/mongots/internal/util/testutil"
)

// setupConn returns a Conn to MONGOTS_TEST_URI if set, or to a disposable container.
func setupConn(t *testing.T) *Conn {
	t.Helper()

	uri := testutil.MongoDBURI()

	if uri == "" {
		ctx := context.Background()

		container, err := tcmongo.Run(ctx,
			"mongo:7",
			testcontainers.WithWaitStrategy(
				wait.ForLog("Waiting for connections").WithStartupTimeout(time.Minute),
			),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			require.NoError(t, container.Terminate(ctx))
		})

		uri, err = container.ConnectionString(ctx)
		require.NoError(t, err)
	}

	conn, err := Connect(&ConnectOpts{
		URL:            uri,
		DB:             "mongots_integration",
		Logger:         testutil.Logger(t),
		DriverLogLevel: options.LogLevelInfo,
		Tracing:        true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		assert.NoError(t, conn.DropDatabase(ctx, "mongots_integration"))
		assert.NoError(t, conn.Close(ctx))
	})

	return conn
}

func TestIntegrationCRUD(t *testing.T) {
	conn := setupConn(t)
	ctx := testutil.Ctx(t)

	require.NoError(t, conn.Ping(ctx))

	c := NewCollection[user](conn, "users")

	_, err := c.CreateMany(ctx, []user{
		{Name: "alice", Age: 30, Tags: []string{"a", "b"}},
		{Name: "bob", Age: 40, Tags: []string{"b"}},
	})
	require.NoError(t, err)

	_, err = c.CreateIndex(ctx, &IndexOpts{Key: []string{"name"}, Unique: true})
	require.NoError(t, err)

	_, err = c.CreateOne(ctx, user{Name: "alice"})
	require.Error(t, err)

	res, err := c.UpdateOne(ctx, &UpdateOpts{
		Filter: bson.M{"name": "alice"},
		Update: Merge(Inc(bson.M{"age": 1}), Pull(bson.M{"tags": Eq("a")})),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ModifiedCount)

	alice, err := c.ReadOne(ctx, &ReadOpts{Filter: bson.M{"name": "alice"}})
	require.NoError(t, err)
	assert.Equal(t, 31, alice.Age)
	assert.Equal(t, []string{"b"}, alice.Tags)

	_, err = c.Upsert(ctx, &UpsertOpts{
		Filter: bson.M{"name": "carol"},
		Update: Merge(Set(bson.M{"age": 50}), SetOnInsert(bson.M{"age": 1, "_id": "carol"})),
	})
	require.NoError(t, err)

	docs, err := c.Read(ctx, &ReadOpts{Sort: &Sort{Key: "age", Direction: Descending}})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "carol", docs[0].ID)
	assert.Equal(t, 50, docs[0].Age)

	n, err := c.Count(ctx, &CountOpts{Filter: bson.M{"age": Gt(35)}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	tags, err := Distinct[string](ctx, c, &DistinctOpts{Key: "tags"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, tags)

	require.NoError(t, c.RemoveIndex(ctx, "name"))

	require.NoError(t, c.Rename(ctx, &RenameOpts{NewName: "people"}))

	names, err := conn.ListCollectionNames(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, names)

	del, err := c.DeleteMany(ctx, &DeleteOpts{Filter: bson.M{"age": Lt(45)}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, del.DeletedCount)

	require.NoError(t, c.Drop(ctx, "people"))
}
