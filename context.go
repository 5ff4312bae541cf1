package morag

import (
	"sync"

	"github.com/mistifyio/morag/pkg/kv"
)

// Context carries around data/structs needed for operations
type Context struct {
	kv kv.KV

	// placement guards the choose-and-reserve step of scheduling so that
	// concurrent placements in this process cannot race past each other's
	// capacity check. Cross-process races are caught by the kv CAS.
	placement sync.Mutex
}

// NewContext creates a Context using the given kv client
func NewContext(client kv.KV) *Context {
	return &Context{
		kv: client,
	}
}

// IsKeyNotFound is a helper to determine whether an error from an entity
// lookup means the record does not exist
func (c *Context) IsKeyNotFound(err error) bool {
	return c.kv.IsKeyNotFound(err)
}
