package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FakeRedis implements the list commands of redis.Cmdable in memory.
// Calling any other command panics through the nil embedded interface.
type FakeRedis struct {
	redis.Cmdable

	mu    sync.Mutex
	lists map[string][]string
	err   error
}

func NewFakeRedis() *FakeRedis {
	return &FakeRedis{lists: make(map[string][]string)}
}

// FailWith makes every later command return err. A nil err heals it.
func (f *FakeRedis) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// KeyCount returns the number of non-empty lists.
func (f *FakeRedis) KeyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists)
}

// List returns a copy of the raw values stored under key.
func (f *FakeRedis) List(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

func (f *FakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	for _, v := range values {
		switch x := v.(type) {
		case []byte:
			f.lists[key] = append(f.lists[key], string(x))
		case string:
			f.lists[key] = append(f.lists[key], x)
		default:
			f.lists[key] = append(f.lists[key], fmt.Sprint(x))
		}
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *FakeRedis) LIndex(ctx context.Context, key string, index int64) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	list := f.lists[key]
	if index < 0 || index >= int64(len(list)) {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(list[index])
	return cmd
}

func (f *FakeRedis) LPop(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	list := f.lists[key]
	if len(list) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(list[0])
	if len(list) == 1 {
		delete(f.lists, key)
	} else {
		f.lists[key] = list[1:]
	}
	return cmd
}

func (f *FakeRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *FakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.lists[k]; ok {
			delete(f.lists, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}
