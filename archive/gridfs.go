package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🍃 MongoDB GridFS 后端
// =============================================================================

// GridFSStore 以 GridFS bucket 存放对象，文件名即对象键
type GridFSStore struct {
	client *mongo.Client
	bucket *mongo.GridFSBucket
}

// NewGridFSStore 连接 MongoDB 并打开 bucket
func NewGridFSStore(ctx context.Context, mongoCfg config.MongoConfig, bucket string) (*GridFSStore, error) {
	if mongoCfg.URI == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "mongo uri is required for gridfs object store")
	}
	opts := options.Client().ApplyURI(mongoCfg.URI)
	if mongoCfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(mongoCfg.ConnectTimeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(mongoCfg.Database)
	return &GridFSStore{
		client: client,
		bucket: db.GridFSBucket(options.GridFSBucket().SetName(bucket)),
	}, nil
}

// Put 上传对象。同名旧版本在上传成功后删除
func (s *GridFSStore) Put(ctx context.Context, key string, data []byte) error {
	old, err := s.fileIDs(ctx, key)
	if err != nil {
		return err
	}
	if _, err := s.bucket.UploadFromStream(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("gridfs upload: %w", err)
	}
	for _, id := range old {
		if err := s.bucket.Delete(ctx, id); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return fmt.Errorf("gridfs delete old revision: %w", err)
		}
	}
	return nil
}

// Get 下载对象最新版本
func (s *GridFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(ctx, key)
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil, types.NewNotFoundError("object", key)
	}
	if err != nil {
		return nil, fmt.Errorf("gridfs open: %w", err)
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stream); err != nil {
		return nil, fmt.Errorf("gridfs read: %w", err)
	}
	return buf.Bytes(), nil
}

// Delete 删除对象的所有版本
func (s *GridFSStore) Delete(ctx context.Context, key string) error {
	ids, err := s.fileIDs(ctx, key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.bucket.Delete(ctx, id); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return fmt.Errorf("gridfs delete: %w", err)
		}
	}
	return nil
}

func (s *GridFSStore) fileIDs(ctx context.Context, key string) ([]any, error) {
	cur, err := s.bucket.Find(ctx, bson.D{{Key: "filename", Value: key}})
	if err != nil {
		return nil, fmt.Errorf("gridfs find: %w", err)
	}
	defer cur.Close(ctx)

	var ids []any
	for cur.Next(ctx) {
		var f struct {
			ID any `bson:"_id"`
		}
		if err := cur.Decode(&f); err != nil {
			return nil, fmt.Errorf("gridfs decode: %w", err)
		}
		ids = append(ids, f.ID)
	}
	return ids, cur.Err()
}

// Name 实现 ObjectStore
func (s *GridFSStore) Name() string { return "gridfs" }

// Ping 检查 MongoDB 连通性，用于就绪探针
func (s *GridFSStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close 断开 MongoDB 连接
func (s *GridFSStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
