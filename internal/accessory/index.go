package accessory

import (
	"sort"
	"sync"

	"github.com/dokzlo13/thermd/internal/catalog"
	"github.com/dokzlo13/thermd/internal/device"
)

// CharInfo is what the index knows about one characteristic.
type CharInfo struct {
	Key
	Type    string
	Name    string
	Field   device.Field
	Tracked bool
	Perms   []string
}

// Index maps characteristic keys to their type and tracked field. It is
// rebuilt whenever the accessory list is refreshed.
type Index struct {
	mu    sync.RWMutex
	chars map[Key]CharInfo
}

// NewIndex builds an index from an accessory list.
func NewIndex(accessories []Accessory) *Index {
	idx := &Index{}
	idx.Rebuild(accessories)
	return idx
}

// Rebuild replaces the index contents.
func (x *Index) Rebuild(accessories []Accessory) {
	chars := make(map[Key]CharInfo)
	for _, a := range accessories {
		for _, s := range a.Services {
			for _, c := range s.Characteristics {
				k := Key{AID: a.AID, IID: c.IID}
				info := CharInfo{
					Key:   k,
					Type:  catalog.Normalize(c.Type),
					Name:  catalog.Name(c.Type),
					Perms: c.Perms,
				}
				info.Field, info.Tracked = catalog.FieldFor(c.Type)
				chars[k] = info
			}
		}
	}

	x.mu.Lock()
	x.chars = chars
	x.mu.Unlock()
}

// Lookup returns the characteristic at key.
func (x *Index) Lookup(k Key) (CharInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.chars[k]
	return c, ok
}

// Field resolves a key to its tracked field.
func (x *Index) Field(k Key) (device.Field, bool) {
	c, ok := x.Lookup(k)
	if !ok || !c.Tracked {
		return 0, false
	}
	return c.Field, true
}

// KeyFor finds the characteristic carrying field on accessory aid.
func (x *Index) KeyFor(aid int64, f device.Field) (Key, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var found []Key
	for k, c := range x.chars {
		if k.AID == aid && c.Tracked && c.Field == f {
			found = append(found, k)
		}
	}
	if len(found) == 0 {
		return Key{}, false
	}
	sortKeys(found)
	return found[0], true
}

// Monitored returns characteristics that are both readable and notifying.
func (x *Index) Monitored() []Key {
	return x.filter(func(c CharInfo) bool {
		return can(c.Perms, PermRead) && can(c.Perms, PermNotify)
	})
}

// Priority returns the monitored characteristics polled on the fast cadence.
func (x *Index) Priority() []Key {
	return x.filter(func(c CharInfo) bool {
		return can(c.Perms, PermRead) && can(c.Perms, PermNotify) && catalog.IsPriority(c.Name)
	})
}

// Readable returns tracked characteristics that can be read.
func (x *Index) Readable() []Key {
	return x.filter(func(c CharInfo) bool {
		return c.Tracked && can(c.Perms, PermRead)
	})
}

// Len returns the number of indexed characteristics.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chars)
}

func (x *Index) filter(keep func(CharInfo) bool) []Key {
	x.mu.RLock()
	var out []Key
	for k, c := range x.chars {
		if keep(c) {
			out = append(out, k)
		}
	}
	x.mu.RUnlock()
	sortKeys(out)
	return out
}

func can(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AID != keys[j].AID {
			return keys[i].AID < keys[j].AID
		}
		return keys[i].IID < keys[j].IID
	})
}

// Batches splits keys into chunks of at most size.
func Batches(keys []Key, size int) [][]Key {
	if size <= 0 {
		size = len(keys)
	}
	var out [][]Key
	for len(keys) > 0 {
		n := size
		if n > len(keys) {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}
