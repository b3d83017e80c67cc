package sandbox

import (
	"context"
	"errors"

	"github.com/dop251/goja"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// credentialsObject backs the $credentials global. Property access
// materializes the named credential's handle on first touch; the handle itself
// connects lazily, so merely reading $credentials.foo costs nothing.
type credentialsObject struct {
	ctx    context.Context
	vm     *goja.Runtime
	source CredentialSource
	cache  map[string]goja.Value
}

var _ goja.DynamicObject = (*credentialsObject)(nil)

func (c *credentialsObject) Get(key string) goja.Value {
	if v, ok := c.cache[key]; ok {
		return v
	}
	h, err := c.source.Get(c.ctx, key)
	if err != nil {
		var nf *flowerrors.NotFoundError
		if errors.As(err, &nf) {
			return goja.Undefined()
		}
		panic(c.vm.NewGoError(err))
	}
	v := c.handleValue(h)
	c.cache[key] = v
	return v
}

func (c *credentialsObject) Set(string, goja.Value) bool { return false }
func (c *credentialsObject) Has(key string) bool         { return !goja.IsUndefined(c.Get(key)) }
func (c *credentialsObject) Delete(string) bool          { return false }
func (c *credentialsObject) Keys() []string              { return nil }

// handleValue wraps a typed credential handle as the JS object the sandbox
// contract describes for its type.
func (c *credentialsObject) handleValue(h credential.Handle) goja.Value {
	obj := c.vm.NewObject()
	obj.Set("connect", func() {
		c.must(h.Connect(c.ctx))
	})
	obj.Set("disconnect", func() {
		c.must(h.Close(c.ctx))
	})

	switch typed := h.(type) {
	case *credential.PostgresHandle:
		obj.Set("query", func(query string, params ...any) map[string]any {
			res, err := typed.Query(c.ctx, query, params...)
			c.must(err)
			return map[string]any{"rows": res.Rows, "rowCount": res.RowCount}
		})
	case *credential.MySQLHandle:
		obj.Set("query", func(query string, params ...any) []any {
			res, err := typed.Query(c.ctx, query, params...)
			c.must(err)
			meta := map[string]any{"rowCount": res.RowCount}
			return []any{res.Rows, meta}
		})
	case *credential.MongoHandle:
		obj.Set("getDb", func() goja.Value {
			_, err := typed.Database(c.ctx)
			c.must(err)
			return obj
		})
		obj.Set("collection", func(name string) goja.Value {
			coll, err := typed.Collection(c.ctx, name)
			c.must(err)
			return c.collectionValue(coll)
		})
	case *credential.RedisHandle:
		obj.Set("get", func(key string) string {
			val, err := typed.Get(c.ctx, key)
			c.must(err)
			return val
		})
		obj.Set("set", func(key, value string) {
			c.must(typed.Set(c.ctx, key, value))
		})
	}
	return obj
}

// collectionValue exposes the small document API user code gets for a Mongo
// collection.
func (c *credentialsObject) collectionValue(coll *mongo.Collection) goja.Value {
	obj := c.vm.NewObject()
	obj.Set("find", func(filter map[string]any) []map[string]any {
		if filter == nil {
			filter = map[string]any{}
		}
		cur, err := coll.Find(c.ctx, filter)
		c.must(err)
		var docs []map[string]any
		c.must(cur.All(c.ctx, &docs))
		return docs
	})
	obj.Set("insertOne", func(doc map[string]any) map[string]any {
		res, err := coll.InsertOne(c.ctx, doc)
		c.must(err)
		return map[string]any{"insertedId": res.InsertedID}
	})
	obj.Set("updateOne", func(filter, update map[string]any) map[string]any {
		res, err := coll.UpdateOne(c.ctx, filter, update)
		c.must(err)
		return map[string]any{"matchedCount": res.MatchedCount, "modifiedCount": res.ModifiedCount}
	})
	obj.Set("deleteOne", func(filter map[string]any) map[string]any {
		res, err := coll.DeleteOne(c.ctx, filter)
		c.must(err)
		return map[string]any{"deletedCount": res.DeletedCount}
	})
	obj.Set("countDocuments", func(filter map[string]any) int64 {
		if filter == nil {
			filter = map[string]any{}
		}
		n, err := coll.CountDocuments(c.ctx, filter)
		c.must(err)
		return n
	})
	return obj
}

// must converts a Go error into a catchable JS exception.
func (c *credentialsObject) must(err error) {
	if err != nil {
		panic(c.vm.NewGoError(err))
	}
}
