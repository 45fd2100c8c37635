package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
)

type statusDoc struct {
	ID             string    `bson:"_id"`
	FolderID       string    `bson:"folder_id"`
	Seq            int64     `bson:"seq"`
	PreviousStatus *string   `bson:"previous_status"`
	NewStatus      string    `bson:"new_status"`
	ChangedBy      string    `bson:"changed_by"`
	Notes          string    `bson:"notes"`
	DurationMs     *int64    `bson:"duration_ms"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (d statusDoc) toRecord() statushistory.Record {
	rec := statushistory.Record{
		ID:         d.ID,
		FolderID:   d.FolderID,
		Seq:        d.Seq,
		NewStatus:  folder.Status(d.NewStatus),
		ChangedBy:  d.ChangedBy,
		Notes:      d.Notes,
		DurationMs: d.DurationMs,
		CreatedAt:  d.CreatedAt.UTC(),
	}
	if d.PreviousStatus != nil {
		p := folder.Status(*d.PreviousStatus)
		rec.PreviousStatus = &p
	}
	return rec
}

func (s *Store) LatestStatusRecord(ctx context.Context, folderID string) (statushistory.Record, bool, error) {
	var doc statusDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	err := s.history.FindOne(ctx, bson.M{"folder_id": folderID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return statushistory.Record{}, false, nil
	}
	if err != nil {
		return statushistory.Record{}, false, fmt.Errorf("mongostore: latest status record: %w", err)
	}
	return doc.toRecord(), true, nil
}

func (s *Store) InsertStatusRecord(ctx context.Context, rec statushistory.Record) error {
	doc := statusDoc{
		ID:         rec.ID,
		FolderID:   rec.FolderID,
		Seq:        rec.Seq,
		NewStatus:  string(rec.NewStatus),
		ChangedBy:  rec.ChangedBy,
		Notes:      rec.Notes,
		DurationMs: rec.DurationMs,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.PreviousStatus != nil {
		p := string(*rec.PreviousStatus)
		doc.PreviousStatus = &p
	}
	if _, err := s.history.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongostore: insert status record: %w", err)
	}
	return nil
}

func (s *Store) ListStatusRecords(ctx context.Context, folderID string, newestFirst bool) ([]statushistory.Record, error) {
	dir := 1
	if newestFirst {
		dir = -1
	}
	cur, err := s.history.Find(ctx, bson.M{"folder_id": folderID}, options.Find().SetSort(bson.D{{Key: "seq", Value: dir}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list status records: %w", err)
	}
	defer cur.Close(ctx)

	out := []statushistory.Record{}
	for cur.Next(ctx) {
		var doc statusDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	return out, cur.Err()
}

func (s *Store) StatusDurationAverages(ctx context.Context) ([]statushistory.RawAverage, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"duration_ms":     bson.M{"$ne": nil},
			"previous_status": bson.M{"$ne": nil},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$previous_status",
			"avg":   bson.M{"$avg": "$duration_ms"},
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cur, err := s.history.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongostore: status averages: %w", err)
	}
	defer cur.Close(ctx)

	var out []statushistory.RawAverage
	for cur.Next(ctx) {
		var row struct {
			Status string  `bson:"_id"`
			Avg    float64 `bson:"avg"`
			Count  int64   `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, statushistory.RawAverage{Status: folder.Status(row.Status), AverageMs: row.Avg, Count: row.Count})
	}
	return out, cur.Err()
}

func (s *Store) DeleteStatusRecords(ctx context.Context, folderID string) (int64, error) {
	res, err := s.history.DeleteMany(ctx, bson.M{"folder_id": folderID})
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete status records: %w", err)
	}
	return res.DeletedCount, nil
}

type stageDoc struct {
	ID           string    `bson:"_id"`
	FolderID     string    `bson:"folder_id"`
	Seq          int64     `bson:"seq"`
	StageName    string    `bson:"stage_name"`
	Phase        string    `bson:"phase"`
	EventType    string    `bson:"event_type"`
	StageOrder   int       `bson:"stage_order"`
	RegisteredBy string    `bson:"registered_by"`
	Notes        string    `bson:"notes"`
	DurationMs   *int64    `bson:"duration_ms"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d stageDoc) toEvent() stage.Event {
	return stage.Event{
		ID:           d.ID,
		FolderID:     d.FolderID,
		Seq:          d.Seq,
		StageName:    d.StageName,
		Phase:        folder.Phase(d.Phase),
		Type:         stage.EventType(d.EventType),
		StageOrder:   d.StageOrder,
		RegisteredBy: d.RegisteredBy,
		Notes:        d.Notes,
		DurationMs:   d.DurationMs,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

func (s *Store) latestStageEvent(ctx context.Context, filter bson.M) (stage.Event, bool, error) {
	var doc stageDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	err := s.stages.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return stage.Event{}, false, nil
	}
	if err != nil {
		return stage.Event{}, false, fmt.Errorf("mongostore: latest stage event: %w", err)
	}
	return doc.toEvent(), true, nil
}

func (s *Store) LatestStageEvent(ctx context.Context, folderID string) (stage.Event, bool, error) {
	return s.latestStageEvent(ctx, bson.M{"folder_id": folderID})
}

func (s *Store) LatestStageStart(ctx context.Context, folderID, stageName string) (stage.Event, bool, error) {
	return s.latestStageEvent(ctx, bson.M{
		"folder_id":  folderID,
		"stage_name": stageName,
		"event_type": string(stage.EventStart),
	})
}

func (s *Store) InsertStageEvent(ctx context.Context, ev stage.Event) error {
	_, err := s.stages.InsertOne(ctx, stageDoc{
		ID:           ev.ID,
		FolderID:     ev.FolderID,
		Seq:          ev.Seq,
		StageName:    ev.StageName,
		Phase:        string(ev.Phase),
		EventType:    string(ev.Type),
		StageOrder:   ev.StageOrder,
		RegisteredBy: ev.RegisteredBy,
		Notes:        ev.Notes,
		DurationMs:   ev.DurationMs,
		CreatedAt:    ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("mongostore: insert stage event: %w", err)
	}
	return nil
}

func (s *Store) ListStageEvents(ctx context.Context, folderID string) ([]stage.Event, error) {
	cur, err := s.stages.Find(ctx, bson.M{"folder_id": folderID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list stage events: %w", err)
	}
	defer cur.Close(ctx)

	out := []stage.Event{}
	for cur.Next(ctx) {
		var doc stageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	return out, cur.Err()
}

func (s *Store) DeleteStageEvents(ctx context.Context, folderID string) (int64, error) {
	res, err := s.stages.DeleteMany(ctx, bson.M{"folder_id": folderID})
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete stage events: %w", err)
	}
	return res.DeletedCount, nil
}
