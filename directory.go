package relay

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// serviceRecord tells where the stub of a role lives. `stub` is nil when
// the service lives on another channel.
type serviceRecord struct {
	addr ServiceAddress
	stub *Stub
}

func (rec *serviceRecord) isRemote() bool {
	return rec.stub == nil
}

// directory maps roles to the service answering them. Lookups read an
// immutable snapshot of the tree, writers replace it.
type directory struct {
	lk   sync.RWMutex
	tree *iradix.Tree
}

func newDirectory() *directory {
	return &directory{tree: iradix.New()}
}

func (dir *directory) snapshot() *iradix.Tree {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return dir.tree
}

func (dir *directory) register(rec *serviceRecord) error {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	key := []byte(rec.addr.Role())
	if existing, has := dir.tree.Get(key); has {
		return fmt.Errorf(
			"%w: role %q is already served by %s",
			ErrNameConflict, rec.addr.Role(), existing.(*serviceRecord).addr,
		)
	}
	dir.tree, _, _ = dir.tree.Insert(key, rec)
	return nil
}

// unregister removes the role if `match` accepts its record.
func (dir *directory) unregister(role string, match func(*serviceRecord) bool) (*serviceRecord, bool) {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	key := []byte(role)
	existing, has := dir.tree.Get(key)
	if !has || !match(existing.(*serviceRecord)) {
		return nil, false
	}
	dir.tree, _, _ = dir.tree.Delete(key)
	return existing.(*serviceRecord), true
}

// removeChannel removes every service living on `channel`.
func (dir *directory) removeChannel(channel uint64) []*serviceRecord {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	var removed []*serviceRecord
	txn := dir.tree.Txn()
	dir.tree.Root().Walk(func(k []byte, v interface{}) bool {
		rec := v.(*serviceRecord)
		if rec.isRemote() && rec.addr.Channel() == channel {
			txn.Delete(k)
			removed = append(removed, rec)
		}
		return false
	})
	dir.tree = txn.Commit()
	return removed
}

func (dir *directory) lookup(role string) (*serviceRecord, bool) {
	v, has := dir.snapshot().Get([]byte(role))
	if !has {
		return nil, false
	}
	return v.(*serviceRecord), true
}

// scan returns the records whose role starts with `prefix`, in role order.
func (dir *directory) scan(prefix string) []*serviceRecord {
	var recs []*serviceRecord
	dir.snapshot().Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		recs = append(recs, v.(*serviceRecord))
		return false
	})
	return recs
}

func (dir *directory) len() int {
	return dir.snapshot().Len()
}
