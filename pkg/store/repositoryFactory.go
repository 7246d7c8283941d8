package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/zoff-tech/go-courier/pkg/config"
)

// Repositories bundles the message and queue stores built over one shared
// connection.
type Repositories struct {
	Messages MessageRepository
	Queue    QueueRepository

	closeFn func() error
}

// Close releases the underlying connection, if any.
func (r *Repositories) Close() error {
	if r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

// NewRepositories builds both repositories for the configured backend.
func NewRepositories(ctx context.Context, cfg config.DbSettings) (*Repositories, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Repositories{
			Messages: NewPostgresMessageRepository(db),
			Queue:    NewPostgresQueueRepository(db),
			closeFn:  db.Close,
		}, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return &Repositories{
			Messages: NewMongoMessageRepository(client, cfg.Name, "messages"),
			Queue:    NewMongoQueueRepository(client, cfg.Name, "queue_entries"),
			closeFn:  func() error { return client.Disconnect(context.Background()) },
		}, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return &Repositories{
			Messages: NewSpannerMessageRepository(client),
			Queue:    NewSpannerQueueRepository(client),
			closeFn:  func() error { client.Close(); return nil },
		}, nil
	case "memory":
		return &Repositories{
			Messages: NewMemoryMessageRepository(),
			Queue:    NewMemoryQueueRepository(),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
