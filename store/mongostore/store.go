// Package mongostore is the MongoDB backend. Transitions run in multi-document
// transactions, which require a replica set (a single-node one is enough).
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"expedientes/db"
	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
)

const (
	foldersColl = "folders"
	historyColl = "status_history"
	stagesColl  = "stage_events"
	outboxColl  = "outbox"
)

type Store struct {
	client  *mongo.Client
	folders *mongo.Collection
	history *mongo.Collection
	stages  *mongo.Collection
	outbox  *mongo.Collection
}

var (
	_ folder.Repository        = (*Store)(nil)
	_ statushistory.Repository = (*Store)(nil)
	_ stage.Repository         = (*Store)(nil)
)

// New binds the store to dbName, defaulting to "expedientes".
func New(client *mongo.Client, dbName string) *Store {
	if dbName == "" {
		dbName = "expedientes"
	}
	database := client.Database(dbName)
	return &Store{
		client:  client,
		folders: database.Collection(foldersColl),
		history: database.Collection(historyColl),
		stages:  database.Collection(stagesColl),
		outbox:  database.Collection(outboxColl),
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

// EnsureIndexes creates the indexes the queries rely on, including the unique
// per-folder sequence on both logs.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.folders, []mongo.IndexModel{
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		}},
		{s.history, []mongo.IndexModel{
			{Keys: bson.D{{Key: "folder_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "previous_status", Value: 1}}},
		}},
		{s.stages, []mongo.IndexModel{
			{Keys: bson.D{{Key: "folder_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "folder_id", Value: 1}, {Key: "stage_name", Value: 1}, {Key: "event_type", Value: 1}, {Key: "seq", Value: -1}}},
		}},
		{s.outbox, []mongo.IndexModel{
			{Keys: bson.D{{Key: "published_at", Value: 1}, {Key: "position", Value: 1}}},
		}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("mongostore: create indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

// WithinTx runs fn inside a session transaction. The driver retries transient
// conflicts itself; what still fails afterwards is reported as db.ErrTxAborted.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", db.ErrTxAborted, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	if err != nil && isStoreFailure(err) {
		return fmt.Errorf("%w: %w", db.ErrTxAborted, err)
	}
	return err
}

func isStoreFailure(err error) bool {
	var serverErr mongo.ServerError
	return errors.As(err, &serverErr) ||
		mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded)
}

type folderDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Subject      string    `bson:"subject"`
	OwnerID      string    `bson:"owner_id"`
	Status       string    `bson:"status"`
	CurrentPhase string    `bson:"current_phase"`
	CurrentStage *string   `bson:"current_stage"`
	Revision     int64     `bson:"revision"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (d folderDoc) toFolder() folder.Folder {
	return folder.Folder{
		ID:           d.ID,
		Name:         d.Name,
		Subject:      d.Subject,
		OwnerID:      d.OwnerID,
		Status:       folder.Status(d.Status),
		CurrentPhase: folder.Phase(d.CurrentPhase),
		CurrentStage: d.CurrentStage,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateFolder(ctx context.Context, f folder.Folder) error {
	_, err := s.folders.InsertOne(ctx, folderDoc{
		ID:           f.ID,
		Name:         f.Name,
		Subject:      f.Subject,
		OwnerID:      f.OwnerID,
		Status:       string(f.Status),
		CurrentPhase: string(f.CurrentPhase),
		CurrentStage: f.CurrentStage,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("mongostore: insert folder: %w", err)
	}
	return nil
}

func decodeFolder(res *mongo.SingleResult, verb string) (folder.Folder, error) {
	var doc folderDoc
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return folder.Folder{}, folder.ErrNotFound
		}
		return folder.Folder{}, fmt.Errorf("mongostore: %s folder: %w", verb, err)
	}
	return doc.toFolder(), nil
}

func (s *Store) GetFolder(ctx context.Context, id string) (folder.Folder, error) {
	return decodeFolder(s.folders.FindOne(ctx, bson.M{"_id": id}), "get")
}

// LockFolder bumps the folder's revision so that any other transaction
// touching the same folder hits a write conflict.
func (s *Store) LockFolder(ctx context.Context, id string) (folder.Folder, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return decodeFolder(s.folders.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"revision": 1}}, opts), "lock")
}

func (s *Store) ListFolders(ctx context.Context, ownerID string, limit, offset int) ([]folder.Folder, int, error) {
	filter := bson.M{"owner_id": ownerID}
	total, err := s.folders.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongostore: count folders: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.folders.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongostore: list folders: %w", err)
	}
	defer cur.Close(ctx)

	var out []folder.Folder
	for cur.Next(ctx) {
		var doc folderDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		out = append(out, doc.toFolder())
	}
	return out, int(total), cur.Err()
}

func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	res, err := s.folders.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete folder: %w", err)
	}
	if res.DeletedCount == 0 {
		return folder.ErrNotFound
	}
	return nil
}

func (s *Store) SetFolderStatus(ctx context.Context, id string, status folder.Status, at time.Time) error {
	return s.updateFolder(ctx, id, bson.M{"status": string(status), "updated_at": at})
}

func (s *Store) SetFolderStage(ctx context.Context, id string, stageName *string, phase folder.Phase, at time.Time) error {
	return s.updateFolder(ctx, id, bson.M{"current_stage": stageName, "current_phase": string(phase), "updated_at": at})
}

func (s *Store) updateFolder(ctx context.Context, id string, set bson.M) error {
	res, err := s.folders.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongostore: update folder: %w", err)
	}
	if res.MatchedCount == 0 {
		return folder.ErrNotFound
	}
	return nil
}
