package types

import (
	"encoding/hex"
	"errors"
	"regexp"
	"time"
)

// JoinKeySize is the length of a drive key in bytes.
const JoinKeySize = 32

var joinKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrInvalidJoinKey is returned for keys that are not 64 lowercase hex characters.
var ErrInvalidJoinKey = errors.New("invalid key, must be 64 hex characters")

// JoinKey identifies a drive. It is the drive's ed25519 public key.
type JoinKey [JoinKeySize]byte

// ParseJoinKey validates s against the hex-64 pattern and decodes it.
func ParseJoinKey(s string) (JoinKey, error) {
	var key JoinKey
	if !joinKeyPattern.MatchString(s) {
		return key, ErrInvalidJoinKey
	}
	if _, err := hex.Decode(key[:], []byte(s)); err != nil {
		return key, ErrInvalidJoinKey
	}
	return key, nil
}

// ValidJoinKey reports whether s is an acceptable textual join key.
func ValidJoinKey(s string) bool {
	return joinKeyPattern.MatchString(s)
}

func (k JoinKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns a copy of the key bytes.
func (k JoinKey) Bytes() []byte {
	b := make([]byte, JoinKeySize)
	copy(b, k[:])
	return b
}

// DriveEntry is the result of a path lookup against a drive. BlobID pins the
// content the entry referred to when it was looked up.
type DriveEntry struct {
	Seq        uint64
	BlobLength int64
	BlobID     string
}

// DirEntry is one child of a drive directory.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
	Seq   uint64
}

// Mode is the role a node plays for its drive.
type Mode string

const (
	ModeSeed    Mode = "seed"
	ModeReplica Mode = "replica"
)

// LifecycleState tracks a node from construction to teardown.
type LifecycleState int

const (
	StateUnstarted LifecycleState = iota
	StateStarting
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NodeStatus is a point-in-time snapshot reported by the admin service.
type NodeStatus struct {
	Mode         Mode
	State        LifecycleState
	Key          string
	DiscoveryKey string
	URL          string
	Port         int
	Peers        int
	Length       uint64
	Full         bool
	StartedAt    time.Time
}
