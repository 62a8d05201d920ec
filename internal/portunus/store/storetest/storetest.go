// Package storetest holds the behavioural contract every store.RecordStore
// implementation must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
)

type card struct {
	CardID     string         `json:"card_id"`
	CardUID    string         `json:"card_uid"`
	Status     string         `json:"status"`
	EnrollMode bool           `json:"enroll_mode"`
	UserID     *string        `json:"user_id"`
	Policy     map[string]any `json:"policy,omitempty"`
}

func strp(s string) *string { return &s }

// Run exercises s against the RecordStore contract.  newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.RecordStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "cards/nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "cards//x")
		assert.ErrorIs(t, err, store.ErrInvalidPath)
		assert.ErrorIs(t, s.Set(context.Background(), "", 1), store.ErrInvalidPath)
	})

	t.Run("SetGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := card{CardID: "c_1", CardUID: "AABBCC", Status: "active", EnrollMode: true}
		require.NoError(t, s.Set(ctx, "cards/c_1", in))

		raw, err := s.Get(ctx, "cards/c_1")
		require.NoError(t, err)
		var out card
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, in, out)
	})

	t.Run("NestedPathAddressesField", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "devices/d1", map[string]any{
			"door_id": "door_A",
			"config":  map[string]any{"relay_open_ms": 3000},
		}))

		raw, err := s.Get(ctx, "devices/d1/config/relay_open_ms")
		require.NoError(t, err)
		assert.JSONEq(t, `3000`, string(raw))

		require.NoError(t, s.Set(ctx, "devices/d1/config/relay_open_ms", 1500))
		raw, err = s.Get(ctx, "devices/d1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"door_id":"door_A","config":{"relay_open_ms":1500}}`, string(raw))

		raw, err = s.Get(ctx, "devices")
		require.NoError(t, err)
		assert.JSONEq(t, `{"d1":{"door_id":"door_A","config":{"relay_open_ms":1500}}}`, string(raw))
	})

	t.Run("UpdateShallowMerge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "cards/c_1", card{
			CardID: "c_1", Status: "active", EnrollMode: true,
			Policy: map[string]any{"access_level": "staff", "allowed_doors": []any{"*"}},
		}))

		require.NoError(t, s.Update(ctx, "cards/c_1", map[string]any{
			"enroll_mode": false,
			"policy":      map[string]any{"access_level": "guest"},
		}))

		raw, err := s.Get(ctx, "cards/c_1")
		require.NoError(t, err)
		var out card
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.False(t, out.EnrollMode)
		assert.Equal(t, "active", out.Status)
		// shallow: policy replaced wholesale
		assert.Equal(t, map[string]any{"access_level": "guest"}, out.Policy)
	})

	t.Run("UpdateCreatesMissing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Update(ctx, "devices/d9", map[string]any{"online": true}))
		ok, err := s.Exists(ctx, "devices/d9")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("PushKeysAreOrdered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var keys []string
		for i := 0; i < 20; i++ {
			k, err := s.Push(ctx, "access_logs", map[string]any{"n": i})
			require.NoError(t, err)
			keys = append(keys, k)
		}
		assert.True(t, sort.StringsAreSorted(keys), "push keys must sort in insertion order")

		recs, err := s.Query(ctx, "access_logs")
		require.NoError(t, err)
		require.Len(t, recs, 20)
		for i, r := range recs {
			assert.Equal(t, keys[i], r.Key)
			var v struct{ N int }
			require.NoError(t, r.Decode(&v))
			assert.Equal(t, i, v.N)
		}
	})

	t.Run("RemoveAndExists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "cards/c_1", card{CardID: "c_1"}))
		require.NoError(t, s.Set(ctx, "cards/c_2", card{CardID: "c_2"}))

		require.NoError(t, s.Remove(ctx, "cards/c_1"))
		require.NoError(t, s.Remove(ctx, "cards/c_1"), "removing a missing path is not an error")

		ok, err := s.Exists(ctx, "cards/c_1")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.Exists(ctx, "cards/c_2")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Remove(ctx, "cards"))
		_, err = s.Get(ctx, "cards/c_2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetNilRemoves", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"name": "Ann"}))
		require.NoError(t, s.Set(ctx, "users/u1", nil))
		ok, err := s.Exists(ctx, "users/u1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("QueryByFieldEquality", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "cards/c_1", card{CardID: "c_1", CardUID: "AA", Status: "active", EnrollMode: true}))
		require.NoError(t, s.Set(ctx, "cards/c_2", card{CardID: "c_2", CardUID: "BB", Status: "revoked", UserID: strp("u1")}))
		require.NoError(t, s.Set(ctx, "cards/c_3", card{CardID: "c_3", CardUID: "CC", Status: "active", UserID: strp("u1"),
			Policy: map[string]any{"access_level": "admin"}}))

		keys := func(recs []store.Record) []string {
			var out []string
			for _, r := range recs {
				out = append(out, r.Key)
			}
			return out
		}

		recs, err := s.Query(ctx, "cards", store.Eq("card_uid", "BB"))
		require.NoError(t, err)
		assert.Equal(t, []string{"c_2"}, keys(recs))

		recs, err = s.Query(ctx, "cards", store.Eq("status", "active"), store.Eq("user_id", "u1"))
		require.NoError(t, err)
		assert.Equal(t, []string{"c_3"}, keys(recs))

		recs, err = s.Query(ctx, "cards", store.Eq("user_id", nil))
		require.NoError(t, err)
		assert.Equal(t, []string{"c_1"}, keys(recs))

		recs, err = s.Query(ctx, "cards", store.Eq("enroll_mode", true))
		require.NoError(t, err)
		assert.Equal(t, []string{"c_1"}, keys(recs))

		recs, err = s.Query(ctx, "cards", store.Eq("policy.access_level", "admin"))
		require.NoError(t, err)
		assert.Equal(t, []string{"c_3"}, keys(recs))

		recs, err = s.Query(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, recs)

		_, err = s.Query(ctx, "cards", store.Condition{Field: "status", Op: ">", Value: 1})
		assert.Error(t, err)
	})

	t.Run("ConcurrentUpdatesSamePath", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "devices/d1", map[string]any{}))

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				field := string(rune('a' + i))
				if err := s.Update(ctx, "devices/d1", map[string]any{field: i}); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		raw, err := s.Get(ctx, "devices/d1")
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Len(t, m, 16, "no update may be lost")
	})

	t.Run("ErrNotFoundIsSentinel", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "x/y")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}
