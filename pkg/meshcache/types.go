package meshcache

import (
	"github.com/meshcache/meshcache/internal/types"
)

type (
	// Stats holds the facade's per-operation counters.
	Stats = types.Stats
	// Engine is the uniform contract shared by every cache backend.
	Engine = types.Engine
	// SessionRecord is the payload stored for one session id.
	SessionRecord = types.SessionRecord
	// FileStats describes the file engine's on-disk footprint.
	FileStats = types.FileStats
	// SecretString redacts itself in logs and JSON.
	SecretString = types.SecretString
)

// NewSecretString wraps a sensitive value.
func NewSecretString(v string) SecretString {
	return types.NewSecretString(v)
}

// Engine performance levels used at registration. Higher is faster.
const (
	LevelFile   = 1
	LevelRemote = 3
	LevelMemory = 4
)
