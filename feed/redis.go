package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"taskhub/domain"
)

const (
	redisDocPrefix     = "doc:"
	redisChannelPrefix = "feed:"
	redisUpdateRetries = 3
)

// RedisBackend stores each collection as a hash of id -> JSON document.
type RedisBackend struct {
	rc *redis.Client
}

func NewRedisBackend(rc *redis.Client) *RedisBackend {
	return &RedisBackend{rc: rc}
}

func collectionKey(collection string) string { return redisDocPrefix + collection }

func (b *RedisBackend) List(ctx context.Context, collection string) ([]Document, error) {
	raw, err := b.rc.HGetAll(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(raw))
	for id, data := range raw {
		fields, err := decodeFields([]byte(data))
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	return docs, nil
}

func (b *RedisBackend) Get(ctx context.Context, collection, id string) (Document, error) {
	data, err := b.rc.HGet(ctx, collectionKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, domain.ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	fields, err := decodeFields(data)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: fields}, nil
}

func (b *RedisBackend) Put(ctx context.Context, collection string, doc Document) error {
	data, err := encodeFields(doc.Fields)
	if err != nil {
		return err
	}
	return b.rc.HSet(ctx, collectionKey(collection), doc.ID, data).Err()
}

// Update runs mutate inside a WATCH transaction and retries when a
// concurrent writer touches the collection.
func (b *RedisBackend) Update(ctx context.Context, collection, id string, mutate func(map[string]any) error) error {
	key := collectionKey(collection)
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		fields, err := decodeFields(data)
		if err != nil {
			return err
		}
		if err := mutate(fields); err != nil {
			return err
		}
		out, err := encodeFields(fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, out)
			return nil
		})
		return err
	}
	for i := 0; i < redisUpdateRetries; i++ {
		err := b.rc.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return domain.ErrConcurrencyConflict
}

func (b *RedisBackend) Remove(ctx context.Context, collection, id string) error {
	return b.rc.HDel(ctx, collectionKey(collection), id).Err()
}

// RedisNotifier publishes change signals on feed:{collection}.
type RedisNotifier struct {
	rc *redis.Client
}

func NewRedisNotifier(rc *redis.Client) *RedisNotifier {
	return &RedisNotifier{rc: rc}
}

func (n *RedisNotifier) Publish(ctx context.Context, collection, id string) error {
	return n.rc.Publish(ctx, redisChannelPrefix+collection, id).Err()
}

// Listen subscribes and waits for the subscription to be confirmed so no
// publish issued after Listen returns is missed.
func (n *RedisNotifier) Listen(ctx context.Context, collection string) (<-chan struct{}, func(), error) {
	sub := n.rc.Subscribe(ctx, redisChannelPrefix+collection)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}
	msgs := sub.Channel()
	out := make(chan struct{}, 1)
	quit := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-quit:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(quit)
			sub.Close()
		})
	}
	return out, stop, nil
}

// NewRedis returns a Live store backed by Redis for both storage and
// change notification.
func NewRedis(rc *redis.Client) *Live {
	return NewLive(NewRedisBackend(rc), NewRedisNotifier(rc), nil)
}
