package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Backup is a checksummed, deep-copied snapshot of a LearningState at a
// point in time. Restoring a Backup requires its checksum to match the
// checksum recomputed from its State.
type Backup struct {
	ID        string
	StudentID string
	State     LearningState
	CreatedAt time.Time
	Checksum  string
}

// Canonicalize produces a stable JSON encoding of a LearningState, used as
// the checksum input. encoding/json already sorts map keys and preserves
// struct field declaration order, so marshaling the value directly yields a
// deterministic byte sequence for equal states.
func Canonicalize(s LearningState) ([]byte, error) {
	return json.Marshal(s)
}

// Checksum computes the content checksum of a LearningState, used to detect
// tampering or corruption in stored backups.
func Checksum(s LearningState) (string, error) {
	b, err := Canonicalize(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NewBackup deep-copies state and computes its checksum.
func NewBackup(id string, studentID string, state LearningState, createdAt time.Time) (Backup, error) {
	cloned := state.Clone()
	sum, err := Checksum(cloned)
	if err != nil {
		return Backup{}, err
	}
	return Backup{
		ID:        id,
		StudentID: studentID,
		State:     cloned,
		CreatedAt: createdAt,
		Checksum:  sum,
	}, nil
}

// Verify recomputes the checksum of b.State and reports whether it matches
// b.Checksum (i.e., the backup has not been tampered with or corrupted).
func (b Backup) Verify() (bool, error) {
	sum, err := Checksum(b.State)
	if err != nil {
		return false, err
	}
	return sum == b.Checksum, nil
}

// MaxBackupsDefault is the default per-student backup retention cap.
const MaxBackupsDefault = 10
