package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// StringSlice persists a []string as a JSON text column, portable across
// SQLite, PostgreSQL and MySQL (unlike a native array or jsonb type,
// which only one of the three dialects supports natively).
type StringSlice []string

var _ driver.Valuer = StringSlice(nil)

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}

	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("error marshaling string slice: %w", err)
	}

	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil

		return nil
	}

	var raw []byte

	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan source for StringSlice: %T", src)
	}

	if len(raw) == 0 {
		*s = nil

		return nil
	}

	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("error unmarshaling string slice: %w", err)
	}

	*s = out

	return nil
}

// ChunkState is the lifecycle state of a ChunkObject row (spec §4.1,
// §4.4: lookup_or_reserve_chunk).
type ChunkState string

const (
	ChunkStateReserved  ChunkState = "reserved"
	ChunkStateCommitted ChunkState = "committed"
)

// ReservationState is the three-way outcome of lookup_or_reserve_chunk.
type ReservationState string

const (
	StateAlreadyPresent        ReservationState = "already_present"
	StateReservedForThisUploader ReservationState = "reserved_for_this_uploader"
	StateBeingUploadedElsewhere  ReservationState = "being_uploaded_elsewhere"
)

// Cache is a named multi-tenant view (spec §3 Cache).
type Cache struct {
	bun.BaseModel `bun:"table:caches,alias:c"`

	ID                int64       `bun:"id,pk,autoincrement"`
	Name              string      `bun:"name,unique,notnull"`
	Public            bool        `bun:"public,notnull,default:false"`
	UpstreamCacheKeys StringSlice `bun:"upstream_cache_keys,type:text"`
	SigningSecret     []byte      `bun:"signing_secret,notnull"`
	RetentionPeriod   *int64      `bun:"retention_period_seconds"` // nil inherits global default
	Priority          int32       `bun:"priority,notnull,default:0"`
	StoreDir          string      `bun:"store_dir,notnull"`
	CreatedAt         time.Time   `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt         time.Time   `bun:"updated_at,notnull,default:current_timestamp"`
}

// NarObject is the globally deduplicated NAR record (spec §3 NarObject).
type NarObject struct {
	bun.BaseModel `bun:"table:nar_objects,alias:n"`

	ID        int64     `bun:"id,pk,autoincrement"`
	NarHash   string    `bun:"nar_hash,notnull"` // unique only while Completed; enforced in queries.go
	NarSize   int64     `bun:"nar_size,notnull"`
	Completed bool      `bun:"completed,notnull,default:false"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// ChunkObject is a globally deduplicated compressed blob (spec §3
// ChunkObject).
type ChunkObject struct {
	bun.BaseModel `bun:"table:chunk_objects,alias:ch"`

	ID          int64      `bun:"id,pk,autoincrement"`
	ChunkHash   string     `bun:"chunk_hash,unique,notnull"`
	ChunkSize   int64      `bun:"chunk_size,notnull,default:0"`
	FileHash    string     `bun:"file_hash,notnull,default:''"`
	FileSize    int64      `bun:"file_size,notnull,default:0"`
	Compression string     `bun:"compression,notnull,default:''"`
	StorageKey  string      `bun:"storage_key,notnull,default:''"`
	State       ChunkState `bun:"state,notnull"`
	ReservedAt  time.Time  `bun:"reserved_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// ChunkRef is an ordered link from a NarObject to a ChunkObject (spec §3
// ChunkRef).
type ChunkRef struct {
	bun.BaseModel `bun:"table:chunk_refs,alias:cr"`

	NarID   int64 `bun:"nar_id,pk"`
	Seq     int   `bun:"seq,pk"`
	ChunkID int64 `bun:"chunk_id,notnull"`
	Offset  int64 `bun:"offset,notnull"`
	Length  int64 `bun:"length,notnull"`
}

// PathObject binds a StorePath to a NarObject within one cache (spec §3
// PathObject).
type PathObject struct {
	bun.BaseModel `bun:"table:path_objects,alias:p"`

	ID             int64       `bun:"id,pk,autoincrement"`
	CacheID        int64       `bun:"cache_id,notnull"`
	StorePathHash  string      `bun:"store_path_hash,notnull"`
	StorePathName  string      `bun:"store_path_name,notnull"`
	NarID          int64       `bun:"nar_id,notnull"`
	References     StringSlice `bun:"references,type:text"`
	Deriver        string      `bun:"deriver,default:''"`
	Sigs           StringSlice `bun:"sigs,type:text"`
	CA             string      `bun:"ca,default:''"`
	CreatedAt      time.Time   `bun:"created_at,notnull,default:current_timestamp"`
	LastAccessedAt time.Time   `bun:"last_accessed_at,notnull,default:current_timestamp"`
}
