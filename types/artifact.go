package types

import "time"

// StorageBackend 归档数据的存放位置，写入时决定且不再变化
type StorageBackend string

const (
	BackendDatabase    StorageBackend = "database"
	BackendObjectStore StorageBackend = "object_store"
)

// Compression 归档压缩算法
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ArchivedArtifact 归档元数据。database 后端时 Payload 为 base64 编码的存储字节，
// object_store 后端时 StorageKey 指向对象。
type ArchivedArtifact struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ExecutionID    string         `json:"execution_id"`
	SnapshotID     string         `json:"snapshot_id,omitempty"`
	ArtifactType   string         `json:"artifact_type"`
	Backend        StorageBackend `json:"backend"`
	StorageKey     string         `json:"storage_key,omitempty"`
	Payload        string         `json:"-"`
	OriginalSize   int64          `json:"original_size"`
	CompressedSize int64          `json:"compressed_size"`
	Compression    Compression    `json:"compression"`
	Checksum       string         `json:"checksum"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Deleted reports whether the artifact has been soft-deleted.
func (a *ArchivedArtifact) Deleted() bool {
	return a.DeletedAt != nil
}
