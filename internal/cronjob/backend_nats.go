package cronjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsJobsKey = "jobs"

// NATSBackend stores the job document under one key of a JetStream KV
// bucket, so several hosts can share a job set.
type NATSBackend struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	bucket string
	url    string
}

// OpenNATSBackend connects to url and creates the bucket when missing.
func OpenNATSBackend(ctx context.Context, url, bucket string) (*NATSBackend, error) {
	nc, err := nats.Connect(url,
		nats.Name("crond"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "crond job store",
		History:     5,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening KV bucket %s: %w", bucket, err)
	}

	b := newNATSBackend(kv, bucket)
	b.nc = nc
	b.url = url
	return b, nil
}

func newNATSBackend(kv jetstream.KeyValue, bucket string) *NATSBackend {
	return &NATSBackend{kv: kv, bucket: bucket}
}

func (b *NATSBackend) Location() string {
	return fmt.Sprintf("%s (bucket %s)", b.url, b.bucket)
}

func (b *NATSBackend) Load(ctx context.Context) (map[string]Job, error) {
	entry, err := b.kv.Get(ctx, natsJobsKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return map[string]Job{}, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", b.bucket, natsJobsKey, err)
	}
	return decodeStore(entry.Value())
}

func (b *NATSBackend) Save(ctx context.Context, jobs map[string]Job) error {
	data, err := encodeStore(jobs)
	if err != nil {
		return err
	}
	if _, err := b.kv.Put(ctx, natsJobsKey, data); err != nil {
		return fmt.Errorf("put %s/%s: %w", b.bucket, natsJobsKey, err)
	}
	return nil
}

func (b *NATSBackend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}
