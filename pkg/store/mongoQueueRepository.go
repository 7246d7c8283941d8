package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-courier/schema"
)

// MongoQueueRepository persists queue entries in a MongoDB collection.
type MongoQueueRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoQueueRepository(client *mongo.Client, database, collection string) *MongoQueueRepository {
	return &MongoQueueRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoQueueRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoQueueRepository) Enqueue(ctx context.Context, entry *schema.QueueEntry) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	if entry.SequenceNumber == 0 {
		seq, err := m.maxPendingSeq(ctx, entry.ClientID, entry.QueueName)
		if err != nil {
			span.RecordError(err)
			return err
		}
		entry.SequenceNumber = seq + 1
	}

	start := time.Now()
	if _, err := m.coll().InsertOne(ctx, entry); err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, "mongodb", "Enqueue", 1, time.Since(start))
	return nil
}

func (m *MongoQueueRepository) EnqueueMany(ctx context.Context, entries []*schema.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	lane := entries[0]
	for _, e := range entries[1:] {
		if e.ClientID != lane.ClientID || e.QueueName != lane.QueueName {
			return fmt.Errorf("enqueueMany: entries span multiple lanes")
		}
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "EnqueueMany")
	defer span.End()

	base, err := m.maxPendingSeq(ctx, lane.ClientID, lane.QueueName)
	if err != nil {
		span.RecordError(err)
		return err
	}

	docs := make([]any, len(entries))
	for i, entry := range entries {
		entry.SequenceNumber = base + int64(i) + 1
		docs[i] = entry
	}

	start := time.Now()
	// Ordered insert keeps batch order.
	if _, err := m.coll().InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, "mongodb", "EnqueueMany", len(entries), time.Since(start))
	return nil
}

func (m *MongoQueueRepository) maxPendingSeq(ctx context.Context, clientID, queueName string) (int64, error) {
	filter := bson.M{"client_id": clientID, "queue_name": queueName, "status": schema.EntryPending}
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence_number", Value: -1}})

	var top schema.QueueEntry
	err := m.coll().FindOne(ctx, filter, opts).Decode(&top)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return top.SequenceNumber, nil
}

func (m *MongoQueueRepository) FindNextPending(ctx context.Context, clientID, queueName string) (*schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindNextPending")
	defer span.End()

	filter := bson.M{"client_id": clientID, "queue_name": queueName, "status": schema.EntryPending}
	opts := options.FindOne().SetSort(bson.D{
		{Key: "sequence_number", Value: 1},
		{Key: "created_at", Value: 1},
	})

	var entry schema.QueueEntry
	err := m.coll().FindOne(ctx, filter, opts).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &entry, nil
}

func (m *MongoQueueRepository) FindByID(ctx context.Context, id string) (*schema.QueueEntry, error) {
	var entry schema.QueueEntry
	err := m.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *MongoQueueRepository) FindByMessageID(ctx context.Context, messageID string) (*schema.QueueEntry, error) {
	var entry schema.QueueEntry
	err := m.coll().FindOne(ctx, bson.M{"message_id": messageID}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *MongoQueueRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return m.transition(ctx, "MarkProcessing",
		bson.M{"_id": id, "status": schema.EntryPending},
		bson.M{"$set": bson.M{"status": schema.EntryProcessing, "updated_at": time.Now().UTC()}})
}

func (m *MongoQueueRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return m.transition(ctx, "MarkCompleted",
		bson.M{"_id": id, "status": schema.EntryProcessing},
		bson.M{"$set": bson.M{"status": schema.EntryCompleted, "updated_at": time.Now().UTC()}})
}

func (m *MongoQueueRepository) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	return m.transition(ctx, "MarkFailed",
		bson.M{"_id": id, "status": bson.M{"$nin": []schema.EntryStatus{schema.EntryCompleted, schema.EntryFailed}}},
		bson.M{"$set": bson.M{"status": schema.EntryFailed, "last_error": errMsg, "updated_at": time.Now().UTC()}})
}

func (m *MongoQueueRepository) IncrementRetryAndReset(ctx context.Context, id, errMsg string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "IncrementRetryAndReset")
	defer span.End()

	_, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "status": schema.EntryProcessing},
		bson.M{
			"$set": bson.M{"status": schema.EntryPending, "last_error": errMsg, "updated_at": time.Now().UTC()},
			"$inc": bson.M{"retry_count": 1},
		})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoQueueRepository) CancelEntry(ctx context.Context, id string) (*schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "CancelEntry")
	defer span.End()

	filter := bson.M{"_id": id, "status": bson.M{"$in": []schema.EntryStatus{schema.EntryPending, schema.EntryProcessing}}}
	var entry schema.QueueEntry
	err := m.coll().FindOneAndDelete(ctx, filter).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		exists := m.coll().FindOne(ctx, bson.M{"_id": id}).Err()
		if exists == nil {
			return nil, ErrEntryNotCancellable
		}
		if errors.Is(exists, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, exists
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &entry, nil
}

func (m *MongoQueueRepository) CancelAllForClient(ctx context.Context, clientID string) ([]schema.QueueEntry, error) {
	return m.deleteReturning(ctx, "CancelAllForClient",
		bson.M{"client_id": clientID, "status": schema.EntryPending})
}

func (m *MongoQueueRepository) DeleteStalePending(ctx context.Context, clientID, queueName string, cutoff time.Time) ([]schema.QueueEntry, error) {
	return m.deleteReturning(ctx, "DeleteStalePending",
		bson.M{"client_id": clientID, "queue_name": queueName, "status": schema.EntryPending, "created_at": bson.M{"$lt": cutoff}})
}

func (m *MongoQueueRepository) DeleteFinished(ctx context.Context, clientID, queueName string) (int64, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "DeleteFinished")
	defer span.End()

	res, err := m.coll().DeleteMany(ctx, bson.M{
		"client_id":  clientID,
		"queue_name": queueName,
		"status":     bson.M{"$in": []schema.EntryStatus{schema.EntryCompleted, schema.EntryFailed}},
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *MongoQueueRepository) FindStalled(ctx context.Context, cutoff time.Time) ([]schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindStalled")
	defer span.End()

	filter := bson.M{"status": schema.EntryProcessing, "updated_at": bson.M{"$lt": cutoff}}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []schema.QueueEntry
	if err := cursor.All(ctx, &entries); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return entries, nil
}

func (m *MongoQueueRepository) GetQueueStatus(ctx context.Context, clientID, queueName string) (*schema.QueueStatus, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "GetQueueStatus")
	defer span.End()

	cursor, err := m.coll().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"client_id": clientID, "queue_name": queueName}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	status := &schema.QueueStatus{ClientID: clientID, QueueName: queueName}
	for cursor.Next(ctx) {
		var group struct {
			Status schema.EntryStatus `bson:"_id"`
			Count  int                `bson:"count"`
		}
		if err := cursor.Decode(&group); err != nil {
			span.RecordError(err)
			return nil, err
		}
		switch group.Status {
		case schema.EntryPending:
			status.Pending = group.Count
		case schema.EntryProcessing:
			status.Processing = group.Count
		case schema.EntryCompleted:
			status.Completed = group.Count
		case schema.EntryFailed:
			status.Failed = group.Count
		}
	}
	return status, cursor.Err()
}

func (m *MongoQueueRepository) transition(ctx context.Context, spanName string, filter, update bson.M) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	res, err := m.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (m *MongoQueueRepository) deleteReturning(ctx context.Context, spanName string, filter bson.M) ([]schema.QueueEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	cursor, err := m.coll().Find(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var entries []schema.QueueEntry
	if err := cursor.All(ctx, &entries); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := m.coll().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", spanName, len(entries), time.Since(start))
	return entries, nil
}
