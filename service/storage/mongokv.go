package storage

import (
	"context"
	"time"

	"IMProject/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig 用于初始化 Mongo 存储
type MongoConfig struct {
	Uri         string
	Database    string
	Collection  string
	MaxPoolSize int
}

// MongoKV 每条键值一个文档：{_id: key, v: bytes}。
// 前缀 List 走 _id 范围扫描，天然按键序。
type MongoKV struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type kvDoc struct {
	Key   string           `bson:"_id"`
	Value primitive.Binary `bson:"v"`
}

func NewMongoKV(cfg MongoConfig) (*MongoKV, error) {
	if cfg.Uri == "" {
		return nil, errs.New("mongo uri is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "kv_entry"
	}
	opts := options.Client().ApplyURI(cfg.Uri)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errs.WrapMsg(err, "mongo ping")
	}
	return &MongoKV{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (m *MongoKV) Get(ctx context.Context, key string) ([]byte, error) {
	var doc kvDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return doc.Value.Data, nil
}

func (m *MongoKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	cur, err := m.coll.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = cur.Close(ctx) }()
	out := make(map[string][]byte, len(keys))
	for cur.Next(ctx) {
		var doc kvDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Wrap(err)
		}
		out[doc.Key] = doc.Value.Data
	}
	return out, errs.Wrap(cur.Err())
}

func (m *MongoKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		kvDoc{Key: key, Value: primitive.Binary{Data: value}},
		options.Replace().SetUpsert(true),
	)
	return errs.Wrap(err)
}

func (m *MongoKV) Delete(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": key})
	return errs.Wrap(err)
}

func (m *MongoKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	filter := bson.M{"_id": bson.M{"$gte": prefix}}
	if upper := prefixUpper(prefix); upper != "" {
		filter = bson.M{"_id": bson.M{"$gte": prefix, "$lt": upper}}
	}
	cur, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []Entry
	for cur.Next(ctx) {
		var doc kvDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, Entry{Key: doc.Key, Value: doc.Value.Data})
	}
	return out, errs.Wrap(cur.Err())
}

func (m *MongoKV) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
