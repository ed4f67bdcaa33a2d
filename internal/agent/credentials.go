package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersistedState is the on-disk, per-orchestrator-URL record (spec §6
// Persisted-state layout).
type PersistedState struct {
	NodeID          string    `json:"nodeId"`
	Name            string    `json:"name"`
	OrchestratorURL string    `json:"orchestratorUrl"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastStarted     time.Time `json:"lastStarted"`

	Credentials Credentials `json:"credentials"`
}

// Credentials is the persisted machine-user token set.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email,omitempty"`
}

// Expired reports whether the access token has passed its expiry.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CredentialStore persists PersistedState to a local file, keyed by
// orchestrator URL, matching the teacher's agent-side local-state
// convention (a JSON file under a config directory).
type CredentialStore struct {
	dir string
}

// NewCredentialStore constructs a store rooted at dir (created by Save if
// absent).
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

func (c *CredentialStore) path(orchestratorURL string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%x.json", hashURL(orchestratorURL)))
}

func hashURL(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Load reads the persisted state for orchestratorURL, if any.
func (c *CredentialStore) Load(orchestratorURL string) (*PersistedState, bool) {
	raw, err := os.ReadFile(c.path(orchestratorURL))
	if err != nil {
		return nil, false
	}
	var state PersistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false
	}
	return &state, true
}

// Save writes state to disk, creating the store directory if needed.
func (c *CredentialStore) Save(state *PersistedState) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(state.OrchestratorURL), raw, 0o600)
}
