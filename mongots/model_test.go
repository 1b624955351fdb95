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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestNewID(t *testing.T) {
	t.Parallel()

	id1, id2 := NewID(), NewID()
	assert.NotEqual(t, id1, id2)

	u, err := uuid.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("Generated", func(t *testing.T) {
		t.Parallel()

		u, err := New[user](map[string]any{"name": "alice", "age": 30, "tags": []string{"a"}})
		require.NoError(t, err)

		assert.Len(t, u.ID, 36)
		assert.Equal(t, "alice", u.Name)
		assert.Equal(t, 30, u.Age)
		assert.Equal(t, []string{"a"}, u.Tags)
	})

	t.Run("GivenID", func(t *testing.T) {
		t.Parallel()

		u, err := New[user](map[string]any{"_id": "u1"})
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
	})

	t.Run("UnknownField", func(t *testing.T) {
		t.Parallel()

		_, err := New[user](map[string]any{"nope": 1})
		assert.Error(t, err)
	})

	t.Run("NoModel", func(t *testing.T) {
		t.Parallel()

		type plain struct {
			Name string `bson:"name"`
		}

		p, err := New[plain](map[string]any{"name": "x"})
		require.NoError(t, err)
		assert.Equal(t, &plain{Name: "x"}, p)
	})
}

func TestWithID(t *testing.T) {
	t.Parallel()

	t.Run("Value", func(t *testing.T) {
		t.Parallel()

		orig := user{Name: "a"}
		doc := withID(orig)
		assert.Len(t, doc.ID, 36)
		assert.Empty(t, orig.ID, "value must be copied")

		assert.Equal(t, "u1", withID(user{Model: Model{ID: "u1"}}).ID)
	})

	t.Run("Pointer", func(t *testing.T) {
		t.Parallel()

		doc := &user{Name: "a"}
		assert.Same(t, doc, withID(doc))
		assert.Len(t, doc.ID, 36)

		var nilDoc *user
		assert.NotPanics(t, func() { withID(nilDoc) })
	})

	t.Run("Map", func(t *testing.T) {
		t.Parallel()

		doc := bson.M{"name": "a"}
		assert.Equal(t, bson.M{"name": "a"}, withID(doc))
	})
}
