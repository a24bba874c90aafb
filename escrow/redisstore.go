package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	backend "github.com/redis/go-redis/v9"

	xerrors "clawtrust/errors"
)

// RedisStore keeps accounts as JSON documents. Update runs under WATCH so a
// concurrent writer aborts the transaction instead of overwriting it.
type RedisStore struct {
	client *backend.Client
	prefix string
}

func NewRedisStore(client *backend.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "clawtrust:escrow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "account:" + id
}

func (s *RedisStore) pendingKey() string {
	return s.prefix + "pending"
}

func (s *RedisStore) Create(ctx context.Context, a Account) (Account, error) {
	a.Version = 1
	data, err := json.Marshal(a)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: marshal account: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(a.ID), data, 0).Result()
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "escrow: create account")
	}
	if !ok {
		return Account{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("escrow %s already exists", a.ID))
	}
	return a, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Account, error) {
	return s.load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *backend.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (Account, error) {
	raw, err := c.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return Account{}, notFound(id)
		}
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "escrow: get account")
	}
	var a Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return Account{}, fmt.Errorf("escrow: unmarshal account %s: %w", id, err)
	}
	return a, nil
}

func (s *RedisStore) Update(ctx context.Context, next Account, expected int64) (Account, error) {
	key := s.key(next.ID)
	var stored Account
	err := s.client.Watch(ctx, func(tx *backend.Tx) error {
		cur, err := s.load(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return conflict(next.ID, expected, cur.Version)
		}
		stored = next
		stored.Version = expected + 1
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("escrow: marshal account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if stored.Pending != "" {
				pipe.SAdd(ctx, s.pendingKey(), stored.ID)
			} else {
				pipe.SRem(ctx, s.pendingKey(), stored.ID)
			}
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, backend.TxFailedErr):
		return Account{}, conflict(next.ID, expected, -1)
	default:
		return Account{}, err
	}
}

func (s *RedisStore) ListPending(ctx context.Context) ([]Account, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "escrow: list pending")
	}
	sort.Strings(ids)
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if errors.Is(err, xerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Pending != "" {
			out = append(out, a)
		}
	}
	return out, nil
}
