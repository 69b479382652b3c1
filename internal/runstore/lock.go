package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type ClaimRole string

const (
	RoleDownload ClaimRole = "download"
	RoleParse    ClaimRole = "parse"

	claimOwnerFile = "owner.json"
)

// ErrClaimHeld signals transient lock contention: another live instance
// owns the prefix. Callers skip and revisit rather than escalate.
var ErrClaimHeld = errors.New("prefix claim held by another instance")

type ClaimOwner struct {
	OwnerID     string `json:"owner_id"`
	PID         int    `json:"pid"`
	Hostname    string `json:"hostname,omitempty"`
	Role        string `json:"role"`
	ClaimedAt   string `json:"claimed_at"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
}

// Claim is an exclusive per-prefix lease held by one process in one role.
// It exists as a directory (atomic to create) holding the owner record.
type Claim struct {
	dir   string
	owner ClaimOwner
}

// TryClaim attempts to take the per-prefix lock in the given role. A
// claim whose liveness timestamp is older than staleness is treated as
// abandoned by a dead instance and reclaimed.
func TryClaim(runDir, prefix string, role ClaimRole, ownerID string, staleness time.Duration) (Claim, error) {
	if strings.TrimSpace(prefix) == "" {
		return Claim{}, errors.New("prefix is required")
	}
	claimsDir := filepath.Join(runDir, claimsDirName)
	if err := Mkdir(claimsDir); err != nil {
		return Claim{}, err
	}
	claimDir := filepath.Join(claimsDir, prefix+".claim")

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(claimDir, 0o755)
		if err == nil {
			return writeClaimOwner(claimDir, prefix, role, ownerID)
		}
		if !os.IsExist(err) {
			return Claim{}, fmt.Errorf("claim %s: %w", prefix, err)
		}

		owner, ok := readClaimOwner(claimDir)
		if ok && !claimIsStale(owner, staleness) {
			return Claim{}, fmt.Errorf("%w: prefix=%s role=%s owner=%s pid=%d since=%s",
				ErrClaimHeld, prefix, owner.Role, owner.OwnerID, owner.PID, owner.ClaimedAt)
		}
		// Stale or unreadable claim: tear it down and try once more.
		if err := os.RemoveAll(claimDir); err != nil {
			return Claim{}, fmt.Errorf("reclaim stale claim for %s: %w", prefix, err)
		}
	}
	return Claim{}, fmt.Errorf("%w: prefix=%s", ErrClaimHeld, prefix)
}

func writeClaimOwner(claimDir, prefix string, role ClaimRole, ownerID string) (Claim, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	owner := ClaimOwner{
		OwnerID:     ownerID,
		PID:         os.Getpid(),
		Hostname:    hostnameOrUnknown(),
		Role:        string(role),
		ClaimedAt:   now,
		RefreshedAt: now,
	}
	if err := WriteJSON(filepath.Join(claimDir, claimOwnerFile), owner); err != nil {
		_ = os.RemoveAll(claimDir)
		return Claim{}, fmt.Errorf("write claim owner for %s: %w", prefix, err)
	}
	return Claim{dir: claimDir, owner: owner}, nil
}

// Refresh advances the liveness timestamp so long operations are not
// reclaimed out from under a healthy owner.
func (c *Claim) Refresh() error {
	if strings.TrimSpace(c.dir) == "" {
		return nil
	}
	c.owner.RefreshedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(filepath.Join(c.dir, claimOwnerFile), c.owner)
}

// Release drops the claim unconditionally.
func (c Claim) Release() error {
	if strings.TrimSpace(c.dir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(c.dir, claimOwnerFile))
	if err := os.Remove(c.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release claim %s: %w", c.dir, err)
	}
	return nil
}

// LiveClaim reports whether the prefix currently has a non-stale claim
// and, if so, who holds it.
func LiveClaim(runDir, prefix string, staleness time.Duration) (ClaimOwner, bool) {
	claimDir := filepath.Join(runDir, claimsDirName, prefix+".claim")
	owner, ok := readClaimOwner(claimDir)
	if !ok || claimIsStale(owner, staleness) {
		return ClaimOwner{}, false
	}
	return owner, true
}

// AnyLiveClaim reports whether any prefix in the run directory is claimed
// in the given role by a live instance.
func AnyLiveClaim(runDir string, role ClaimRole, staleness time.Duration) bool {
	entries, err := os.ReadDir(filepath.Join(runDir, claimsDirName))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".claim") {
			continue
		}
		owner, ok := readClaimOwner(filepath.Join(runDir, claimsDirName, e.Name()))
		if ok && owner.Role == string(role) && !claimIsStale(owner, staleness) {
			return true
		}
	}
	return false
}

func readClaimOwner(claimDir string) (ClaimOwner, bool) {
	var owner ClaimOwner
	if err := ReadJSON(filepath.Join(claimDir, claimOwnerFile), &owner); err != nil {
		return ClaimOwner{}, false
	}
	if owner.ClaimedAt == "" {
		return ClaimOwner{}, false
	}
	return owner, true
}

func claimIsStale(owner ClaimOwner, staleness time.Duration) bool {
	if staleness <= 0 {
		return false
	}
	ts := owner.RefreshedAt
	if ts == "" {
		ts = owner.ClaimedAt
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return true
	}
	return time.Since(at) > staleness
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
