package archive

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/store"
	"github.com/BaSui01/agentcore/types"
)

// Repository 归档元数据存储，由 store.Store 实现
type Repository interface {
	CreateArtifact(ctx context.Context, a *types.ArchivedArtifact) error
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*types.ArchivedArtifact, error)
	MarkArtifactDeleted(ctx context.Context, artifactID string, at time.Time) error
	ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]*types.ArchivedArtifact, error)
	ArtifactUsage(ctx context.Context, tenantID string) ([]store.BackendUsage, error)
}

// ArchiveRequest 归档请求
type ArchiveRequest struct {
	TenantID    string
	ExecutionID string
	Type        string
	Data        []byte
	SnapshotID  string
}

// CleanupResult 一次过期清理的结果
type CleanupResult struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// BackendStats 单个后端的统计
type BackendStats struct {
	Count         int64 `json:"count"`
	OriginalBytes int64 `json:"original_bytes"`
	StoredBytes   int64 `json:"stored_bytes"`
}

// Stats 租户归档汇总
type Stats struct {
	TenantID      string                                `json:"tenant_id"`
	Count         int64                                 `json:"count"`
	OriginalBytes int64                                 `json:"original_bytes"`
	StoredBytes   int64                                 `json:"stored_bytes"`
	SavingsRatio  float64                               `json:"savings_ratio"`
	ByBackend     map[types.StorageBackend]BackendStats `json:"by_backend"`
}

// =============================================================================
// 🗄️ Archiver
// =============================================================================

// Archiver 压缩、校验并按大小选择后端保存执行产物
type Archiver struct {
	repo        Repository
	objects     ObjectStore
	compression types.Compression
	config      config.ArchiveConfig
	metrics     *metrics.Collector
	logger      *zap.Logger
	now         func() time.Time
}

// NewArchiver 创建 Archiver。objects 为 nil 时所有数据写入数据库。
func NewArchiver(repo Repository, objects ObjectStore, cfg config.ArchiveConfig, collector *metrics.Collector, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	alg, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	def := config.DefaultArchiveConfig()
	if cfg.HybridThreshold <= 0 {
		cfg.HybridThreshold = def.HybridThreshold
	}
	if cfg.MinCompressSize < 0 {
		cfg.MinCompressSize = def.MinCompressSize
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = def.CleanupBatchSize
	}
	return &Archiver{
		repo:        repo,
		objects:     objects,
		compression: alg,
		config:      cfg,
		metrics:     collector,
		logger:      logger.With(zap.String("component", "archiver")),
		now:         time.Now,
	}, nil
}

// Checksum 返回数据的十六进制 SHA-256
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Archive 归档一份数据并返回元数据
func (a *Archiver) Archive(ctx context.Context, req ArchiveRequest) (art *types.ArchivedArtifact, err error) {
	if req.TenantID == "" || req.ExecutionID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "tenant_id and execution_id are required")
	}
	ctx, span := telemetry.StartSpan(ctx, "archive", "archive.store",
		append(telemetry.ExecutionAttrs(req.ExecutionID, req.TenantID),
			attribute.String("agentcore.artifact_type", req.Type),
			attribute.Int("agentcore.artifact_bytes", len(req.Data)))...)
	defer func() { telemetry.EndSpan(span, err) }()

	stored, alg, err := maybeCompress(a.compression, req.Data, a.config.MinCompressSize)
	if err != nil {
		return nil, fmt.Errorf("compress artifact: %w", err)
	}

	now := a.now().UTC()
	art = &types.ArchivedArtifact{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		ExecutionID:    req.ExecutionID,
		SnapshotID:     req.SnapshotID,
		ArtifactType:   req.Type,
		OriginalSize:   int64(len(req.Data)),
		CompressedSize: int64(len(stored)),
		Compression:    alg,
		Checksum:       Checksum(req.Data),
		CreatedAt:      now,
	}
	if a.config.Retention > 0 {
		expires := now.Add(a.config.Retention)
		art.ExpiresAt = &expires
	}

	if a.objects == nil || art.OriginalSize < int64(a.config.HybridThreshold) {
		art.Backend = types.BackendDatabase
		art.Payload = base64.StdEncoding.EncodeToString(stored)
	} else {
		art.Backend = types.BackendObjectStore
		art.StorageKey = objectKey(req.TenantID, req.ExecutionID, art.ID)
		if err := a.objects.Put(ctx, art.StorageKey, stored); err != nil {
			a.metrics.RecordArchive(string(art.Backend), art.OriginalSize, art.CompressedSize, err)
			return nil, fmt.Errorf("write object %s: %w", art.StorageKey, err)
		}
	}

	if err := a.repo.CreateArtifact(ctx, art); err != nil {
		if art.Backend == types.BackendObjectStore {
			if delErr := a.objects.Delete(context.WithoutCancel(ctx), art.StorageKey); delErr != nil {
				a.logger.Warn("orphaned object after metadata failure",
					zap.String("storage_key", art.StorageKey), zap.Error(delErr))
			}
		}
		a.metrics.RecordArchive(string(art.Backend), art.OriginalSize, art.CompressedSize, err)
		return nil, err
	}

	a.metrics.RecordArchive(string(art.Backend), art.OriginalSize, art.CompressedSize, nil)
	a.logger.Debug("artifact archived",
		zap.String("artifact_id", art.ID),
		zap.String("execution_id", art.ExecutionID),
		zap.String("backend", string(art.Backend)),
		zap.String("compression", string(art.Compression)),
		zap.Int64("original_size", art.OriginalSize),
		zap.Int64("stored_size", art.CompressedSize))
	return art, nil
}

// Retrieve 读取并解压，返回前重新校验 checksum。校验失败返回不可重试的 IntegrityError。
func (a *Archiver) Retrieve(ctx context.Context, tenantID, artifactID string) (data []byte, err error) {
	ctx, span := telemetry.StartSpan(ctx, "archive", "archive.retrieve",
		attribute.String("agentcore.tenant_id", tenantID),
		attribute.String("agentcore.artifact_id", artifactID))
	defer func() { telemetry.EndSpan(span, err) }()

	art, err := a.repo.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	defer func() { a.metrics.RecordArchiveOperation("retrieve", string(art.Backend), err) }()

	var stored []byte
	switch art.Backend {
	case types.BackendDatabase:
		stored, err = base64.StdEncoding.DecodeString(art.Payload)
		if err != nil {
			return nil, types.NewIntegrityError(art.ID, art.Checksum, "undecodable payload").WithCause(err)
		}
	case types.BackendObjectStore:
		if a.objects == nil {
			return nil, types.Errorf(types.ErrInternalError, "artifact %s is in object storage but no object store is configured", art.ID)
		}
		stored, err = a.objects.Get(ctx, art.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", art.StorageKey, err)
		}
	default:
		return nil, types.Errorf(types.ErrInternalError, "artifact %s has unknown backend %q", art.ID, art.Backend)
	}

	data, err = decompress(art.Compression, stored)
	if err != nil {
		return nil, types.NewIntegrityError(art.ID, art.Checksum, "undecompressable payload").WithCause(err)
	}
	if sum := Checksum(data); sum != art.Checksum {
		a.logger.Error("artifact checksum mismatch",
			zap.String("artifact_id", art.ID),
			zap.String("tenant_id", tenantID),
			zap.String("expected", art.Checksum),
			zap.String("actual", sum))
		return nil, types.NewIntegrityError(art.ID, art.Checksum, sum)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Delete 删除后端数据并标记元数据已删除
func (a *Archiver) Delete(ctx context.Context, tenantID, artifactID string) error {
	art, err := a.repo.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return err
	}
	err = a.remove(ctx, art)
	a.metrics.RecordArchiveOperation("delete", string(art.Backend), err)
	return err
}

func (a *Archiver) remove(ctx context.Context, art *types.ArchivedArtifact) error {
	if art.Backend == types.BackendObjectStore && a.objects != nil {
		if err := a.objects.Delete(ctx, art.StorageKey); err != nil {
			return fmt.Errorf("delete object %s: %w", art.StorageKey, err)
		}
	}
	return a.repo.MarkArtifactDeleted(ctx, art.ID, a.now().UTC())
}

// CleanupExpired 清理过期产物。单条失败只记录日志，留待下次清理。
func (a *Archiver) CleanupExpired(ctx context.Context, now time.Time) (CleanupResult, error) {
	var res CleanupResult
	expired, err := a.repo.ListExpiredArtifacts(ctx, now, a.config.CleanupBatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired artifacts: %w", err)
	}
	res.Scanned = len(expired)

	for _, art := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		err := a.remove(ctx, art)
		a.metrics.RecordArchiveOperation("cleanup", string(art.Backend), err)
		if err != nil {
			res.Failed++
			a.logger.Warn("artifact cleanup failed, will retry next sweep",
				zap.String("artifact_id", art.ID),
				zap.String("backend", string(art.Backend)),
				zap.Error(err))
			continue
		}
		res.Deleted++
	}

	if res.Scanned > 0 {
		a.logger.Info("expired artifacts cleaned",
			zap.Int("scanned", res.Scanned),
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

// Stats 返回租户未删除产物的汇总与节省比例
func (a *Archiver) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	usage, err := a.repo.ArtifactUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st := &Stats{TenantID: tenantID, ByBackend: make(map[types.StorageBackend]BackendStats, len(usage))}
	for _, u := range usage {
		st.Count += u.Count
		st.OriginalBytes += u.OriginalBytes
		st.StoredBytes += u.StoredBytes
		st.ByBackend[u.Backend] = BackendStats{Count: u.Count, OriginalBytes: u.OriginalBytes, StoredBytes: u.StoredBytes}
	}
	if st.OriginalBytes > 0 {
		st.SavingsRatio = 1 - float64(st.StoredBytes)/float64(st.OriginalBytes)
	}
	return st, nil
}

// RunCleanup 按 CleanupInterval 周期清理，直到 ctx 取消
func (a *Archiver) RunCleanup(ctx context.Context) {
	interval := a.config.CleanupInterval
	if interval <= 0 {
		interval = config.DefaultArchiveConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.CleanupExpired(ctx, a.now()); err != nil && ctx.Err() == nil {
				a.logger.Warn("artifact cleanup sweep failed", zap.Error(err))
			}
		}
	}
}
