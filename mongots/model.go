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
	"reflect"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/alexcorvi/mongots/internal/util/lazyerrors"
)

// Model is a base for document types with a generated string identifier.
//
// Embed it inline:
//
//	type User struct {
//		mongots.Model `bson:",inline"`
//		Name          string `bson:"name"`
//	}
type Model struct {
	ID string `bson:"_id,omitempty" json:"_id,omitempty"`
}

// identified is implemented by pointers to types embedding Model.
type identified interface {
	ensureID()
}

// ensureID assigns a new identifier if there is none.
func (m *Model) ensureID() {
	if m.ID == "" {
		m.ID = NewID()
	}
}

// NewID returns a new random (version 4) UUID string.
func NewID() string {
	return uuid.NewString()
}

// New returns a new T filled from the given partial data.
//
// Keys are matched against bson tags (or field names, case-insensitively);
// embedded structs such as Model are squashed.
// If T embeds Model and data has no "_id", a new identifier is generated.
func New[T any](data map[string]any) (*T, error) {
	res := new(T)

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      res,
		TagName:     "bson",
		Squash:      true,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if err = dec.Decode(data); err != nil {
		return nil, lazyerrors.Error(err)
	}

	if m, ok := any(res).(identified); ok {
		m.ensureID()
	}

	return res, nil
}

// withID returns doc with generated identifier if it embeds Model without one.
//
// Struct values are copied; for pointers the identifier is set on the pointed value.
func withID[S any](doc S) S {
	if m, ok := any(doc).(identified); ok {
		if v := reflect.ValueOf(doc); v.Kind() == reflect.Pointer && !v.IsNil() {
			m.ensureID()
		}

		return doc
	}

	// S is a struct embedding Model
	if m, ok := any(&doc).(identified); ok {
		m.ensureID()
	}

	return doc
}
