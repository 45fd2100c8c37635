package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"expedientes/config"
	"expedientes/db"
	"expedientes/folder"
	"expedientes/outbox"
	"expedientes/stage"
	"expedientes/statushistory"
	"expedientes/store/mongostore"
	"expedientes/store/pgstore"
	"expedientes/store/sqlitestore"
)

// store is everything the API and the relay need from a backend.
type store interface {
	folder.Repository
	statushistory.Repository
	stage.Repository
	outbox.Source
	Ping(ctx context.Context) error
}

var (
	_ store = (*pgstore.Store)(nil)
	_ store = (*sqlitestore.Store)(nil)
	_ store = (*mongostore.Store)(nil)
)

// openStore connects to the configured backend. The returned func releases it.
func openStore(ctx context.Context, sc config.StoreConfig) (store, func(), error) {
	switch sc.Driver {
	case config.DriverPostgres:
		pool, err := newPool(ctx, sc)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil

	case config.DriverSQLite:
		st, err := sqlitestore.Open(sc.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		return mongostore.New(client, sc.MongoDatabase), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// appName tags the service's Postgres connections.
const appName = "expedientes"

func newPool(ctx context.Context, sc config.StoreConfig) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, sc.DatabaseURL, db.WithMaxConns(sc.MaxConns), db.WithApplicationName(appName))
}

// migrateStore brings the backend schema up to date and reports what it did.
func migrateStore(ctx context.Context, sc config.StoreConfig) ([]string, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		pool, err := newPool(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()
		return db.Migrate(ctx, pool)

	case config.DriverSQLite:
		// Open creates the schema.
		st, err := sqlitestore.Open(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		return []string{"sqlite schema at " + sc.SQLitePath}, nil

	case config.DriverMongo:
		st, closeFn, err := openStore(ctx, sc)
		if err != nil {
			return nil, err
		}
		defer closeFn()
		if err := st.(*mongostore.Store).EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return []string{"mongo indexes on " + sc.MongoDatabase}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}
