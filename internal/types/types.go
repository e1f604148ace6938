// Package types provides shared types for the meshcache library.
// This package breaks import cycles between pkg/meshcache and the
// internal engine packages.
package types

import "time"

// EntryOverhead is the fixed per-entry metadata cost, in bytes, charged
// against the memory engine's budget in addition to key and value length.
const EntryOverhead = 1024

// Entry is the record stored for one cache key. Timestamps are seconds
// since the Unix epoch. ExpiresAt == 0 means the entry never expires.
type Entry struct {
	Value       []byte `msgpack:"v" json:"value"`
	CreatedAt   uint64 `msgpack:"c" json:"createdAt"`
	AccessedAt  uint64 `msgpack:"a" json:"accessedAt"`
	AccessCount uint64 `msgpack:"n" json:"accessCount"`
	Size        uint64 `msgpack:"s" json:"size"`
	ExpiresAt   uint64 `msgpack:"e" json:"expiresAt"`
}

// NewEntry builds an entry for key/value with the given TTL. A zero TTL
// produces an entry without expiry.
func NewEntry(key string, value []byte, ttl time.Duration) *Entry {
	now := uint64(time.Now().Unix())
	e := &Entry{
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
		Size:       uint64(len(key) + len(value) + EntryOverhead),
	}
	if ttl > 0 {
		e.ExpiresAt = now + uint64(ttl/time.Second)
	}
	return e
}

// Expired reports whether the entry is expired at the given time.
func (e *Entry) Expired(now uint64) bool {
	return e.ExpiresAt != 0 && now >= e.ExpiresAt
}

// Touch extends the entry's expiry from now. A zero TTL clears it.
func (e *Entry) Touch(ttl time.Duration) {
	now := uint64(time.Now().Unix())
	if ttl > 0 {
		e.ExpiresAt = now + uint64(ttl/time.Second)
	} else {
		e.ExpiresAt = 0
	}
}

// NodeRole classifies a remote node within a cluster.
type NodeRole string

const (
	RoleMaster   NodeRole = "master"
	RoleSlave    NodeRole = "slave"
	RoleSentinel NodeRole = "sentinel"
	RoleUnknown  NodeRole = "unknown"
)

// ParseNodeRole maps a string onto a NodeRole, defaulting to RoleUnknown.
func ParseNodeRole(s string) NodeRole {
	switch NodeRole(s) {
	case RoleMaster, RoleSlave, RoleSentinel:
		return NodeRole(s)
	default:
		return RoleUnknown
	}
}

// NodeStatus is the health state of a remote node.
type NodeStatus string

const (
	StatusActive    NodeStatus = "active"
	StatusUnhealthy NodeStatus = "unhealthy"
)

// ReadPreference selects which node class services read commands.
type ReadPreference string

const (
	ReadPrimary   ReadPreference = "primary"
	ReadSecondary ReadPreference = "secondary"
	ReadAny       ReadPreference = "any"
)

// ClusterType identifies the remote topology.
type ClusterType string

const (
	ClusterTypeCluster  ClusterType = "cluster"
	ClusterTypeSentinel ClusterType = "sentinel"
	ClusterTypeReplica  ClusterType = "replica"
)

// Stats holds the facade's per-operation counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// HitRatio returns hits / (hits + misses), or 0 when no reads happened.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// SessionRecord is the payload stored for one session id. CreatedAt is
// preserved across successive writes for the same id.
type SessionRecord struct {
	Data      []byte `msgpack:"d" json:"data"`
	CreatedAt uint64 `msgpack:"c" json:"createdAt"`
	UpdatedAt uint64 `msgpack:"u" json:"updatedAt"`
	IPAddress string `msgpack:"ip,omitempty" json:"ipAddress,omitempty"`
	UserAgent string `msgpack:"ua,omitempty" json:"userAgent,omitempty"`
}

// FileStats describes the file engine's on-disk footprint.
type FileStats struct {
	Files         int64 `json:"files"`
	TotalBytes    int64 `json:"totalBytes"`
	ExpiredFiles  int64 `json:"expiredFiles"`
	FreeDiskBytes int64 `json:"freeDiskBytes"`
}
