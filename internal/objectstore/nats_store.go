// Package objectstore keeps job text and rendered audio in NATS JetStream
// object store buckets.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	errFmtBind     = "failed to bind to existing object store bucket '%s': %w"
	errFmtCreate   = "failed to create object store bucket '%s': %w"
	errFmtGet      = "failed to get object '%s' from bucket '%s': %w"
	errFmtPut      = "failed to put object '%s' to bucket '%s': %w"
	descriptionFmt = "voice-service %s objects"
)

// ErrObjectNotFound is returned by Download when the key is absent.
var ErrObjectNotFound = errors.New("object not found")

// Bucket is a single JetStream object store bucket.
type Bucket struct {
	name  string
	store nats.ObjectStore
}

// Open creates the bucket, or binds to it when another service created it first.
func Open(jetstreamContext nats.JetStreamContext, name, purpose string) (*Bucket, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      name,
		Description: fmt.Sprintf(descriptionFmt, purpose),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf(errFmtCreate, name, err)
		}

		store, err = jetstreamContext.ObjectStore(name)
		if err != nil {
			return nil, fmt.Errorf(errFmtBind, name, err)
		}
	}

	return &Bucket{name: name, store: store}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Download reads the whole object stored under key.
func (b *Bucket) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf(errFmtGet, key, b.name, ErrObjectNotFound)
		}

		return nil, fmt.Errorf(errFmtGet, key, b.name, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload stores data under key, replacing any previous object.
func (b *Bucket) Upload(ctx context.Context, key string, data []byte) error {
	_, err := b.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf(errFmtPut, key, b.name, err)
	}

	return nil
}
