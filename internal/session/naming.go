package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Role tells what a session file is for.
type Role string

const (
	RoleInput      Role = "video"
	RoleNormalized Role = "norm"
	RoleManifest   Role = "filelist"
	RoleOutput     Role = "output"
)

// Transient roles are removed when a session ends. Outputs are not.
var transientRoles = []Role{RoleInput, RoleNormalized, RoleManifest}

func (r Role) transient() bool {
	return r == RoleInput || r == RoleNormalized || r == RoleManifest
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidID reports whether id can be used as a session namespace. Underscores
// are excluded because they separate the name fields.
func ValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// InputName is the stored name of an uploaded clip. The stamp sorts
// lexically in upload order.
func InputName(sessionID string, stamp int64, ext string) string {
	return fmt.Sprintf("%s_%s_%d%s", RoleInput, sessionID, stamp, ext)
}

// NormalizedName is the re-encoded copy of the index-th clip of a job.
func NormalizedName(sessionID string, index int, stamp int64) string {
	return fmt.Sprintf("%s_%s_%d_%d.mp4", RoleNormalized, sessionID, index, stamp)
}

// ManifestName is a job's concat list.
func ManifestName(sessionID string, stamp int64) string {
	return fmt.Sprintf("%s_%s_%d.txt", RoleManifest, sessionID, stamp)
}

// OutputName is a job's merged result.
func OutputName(sessionID string, stamp int64) string {
	return fmt.Sprintf("%s_%s_%d.mp4", RoleOutput, sessionID, stamp)
}

// ParseName recovers the role and session of a namespaced file name.
func ParseName(name string) (Role, string, bool) {
	name = filepath.Base(name)
	prefix, rest, ok := strings.Cut(name, "_")
	if !ok {
		return "", "", false
	}
	role := Role(prefix)
	switch role {
	case RoleInput, RoleNormalized, RoleManifest, RoleOutput:
	default:
		return "", "", false
	}
	sessionID, _, ok := strings.Cut(rest, "_")
	if !ok || !ValidID(sessionID) {
		return "", "", false
	}
	return role, sessionID, true
}

// Stamper hands out millisecond timestamps that strictly increase, even when
// called several times within the same millisecond.
type Stamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewStamper() *Stamper {
	return &Stamper{now: time.Now}
}

func (s *Stamper) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}
