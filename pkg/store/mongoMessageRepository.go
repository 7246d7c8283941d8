package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/go-courier/schema"
)

// MongoMessageRepository persists messages in a MongoDB collection.
type MongoMessageRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoMessageRepository(client *mongo.Client, database, collection string) *MongoMessageRepository {
	return &MongoMessageRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

var terminalDeliveryStatuses = []schema.DeliveryStatus{
	schema.DeliveryDelivered,
	schema.DeliveryFailed,
	schema.DeliveryUndelivered,
	schema.DeliveryCancelled,
}

func (m *MongoMessageRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoMessageRepository) StoreInbound(ctx context.Context, params InboundMessageParams) (*schema.Message, error) {
	msg := schema.NewInboundMessage(params.ClientID, params.Content, params.Provider, params.ProviderMessageID)
	msg.Metadata = params.Metadata
	return m.insert(ctx, "StoreInbound", msg)
}

func (m *MongoMessageRepository) StoreOutbound(ctx context.Context, params OutboundMessageParams, initial schema.DeliveryStatus) (*schema.Message, error) {
	msg := schema.NewOutboundMessage(params.ClientID, params.Content, params.Provider, initial)
	msg.MediaURLs = params.MediaURLs
	msg.Metadata = params.Metadata
	return m.insert(ctx, "StoreOutbound", msg)
}

func (m *MongoMessageRepository) insert(ctx context.Context, spanName string, msg *schema.Message) (*schema.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()
	if _, err := m.coll().InsertOne(ctx, msg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	addDBStatsToSpan(span, "mongodb", spanName, 1, time.Since(start))
	return msg, nil
}

func (m *MongoMessageRepository) UpdateDeliveryStatus(ctx context.Context, id string, status schema.DeliveryStatus, errMsg string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "UpdateDeliveryStatus")
	defer span.End()

	set := bson.M{"delivery_status": status, "updated_at": time.Now().UTC()}
	if errMsg != "" {
		set["last_error"] = errMsg
	}
	update := bson.M{"$set": set}
	if status == schema.DeliverySent {
		set["last_delivery_attempt_at"] = time.Now().UTC()
		update["$inc"] = bson.M{"delivery_attempts": 1}
	}

	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "delivery_status": bson.M{"$nin": terminalDeliveryStatuses}},
		update)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount == 0 {
		return m.classifyMissedUpdate(ctx, id)
	}
	return nil
}

func (m *MongoMessageRepository) UpdateProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "UpdateProviderMessageID")
	defer span.End()

	res, err := m.coll().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"provider_message_id": providerMessageID, "updated_at": time.Now().UTC()}})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoMessageRepository) MarkCancelled(ctx context.Context, id string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkCancelled")
	defer span.End()

	_, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "delivery_status": bson.M{"$nin": terminalDeliveryStatuses}},
		bson.M{"$set": bson.M{"delivery_status": schema.DeliveryCancelled, "updated_at": time.Now().UTC()}})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoMessageRepository) FindByID(ctx context.Context, id string) (*schema.Message, error) {
	return m.findOne(ctx, "FindMessageByID", bson.M{"_id": id})
}

func (m *MongoMessageRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*schema.Message, error) {
	return m.findOne(ctx, "FindByProviderMessageID", bson.M{"provider_message_id": providerMessageID})
}

func (m *MongoMessageRepository) findOne(ctx context.Context, spanName string, filter bson.M) (*schema.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	var msg schema.Message
	err := m.coll().FindOne(ctx, filter).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &msg, nil
}

func (m *MongoMessageRepository) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]schema.Message, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindStuck")
	defer span.End()

	start := time.Now()
	filter := bson.M{
		"direction":       schema.DirectionOutbound,
		"delivery_status": bson.M{"$in": []schema.DeliveryStatus{schema.DeliveryQueued, schema.DeliverySent}},
		"updated_at":      bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "updated_at", Value: 1}})
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []schema.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "FindStuck", len(msgs), time.Since(start))
	return msgs, nil
}

func (m *MongoMessageRepository) classifyMissedUpdate(ctx context.Context, id string) error {
	err := m.coll().FindOne(ctx, bson.M{"_id": id}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminalStatus
}
