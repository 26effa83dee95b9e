package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/R3E-Network/oracle-trust-engine/oracle/l0"
)

// canonicalInputs is the fixed-field-order view of a run's inputs that
// inputsDigest is computed over: the snapshot plus the raw evidence
// context and invocation provenance, so two runs against byte-identical
// inputs always hash identically regardless of map iteration order
// anywhere upstream.
type canonicalInputs struct {
	Snapshot     l0.Snapshot `json:"snapshot"`
	EvidenceJSON string      `json:"evidenceJson"`
	OrgID        string      `json:"orgId"`
	Repo         string      `json:"repo"`
	Branch       string      `json:"branch"`
	EventType    string      `json:"eventType"`
	Mode         Mode        `json:"mode"`
}

// inputsDigest hashes the canonical encoding of a run's inputs with
// SHA-256, hex-encoded, following the same "encoding/json over a fixed
// struct gives deterministic bytes" idiom the MAC canonicaliser in
// oracle/redaction relies on.
func inputsDigest(snapshot l0.Snapshot, evidenceJSON []byte, orgID, repo, branch, eventType string, mode Mode) (string, error) {
	payload := canonicalInputs{
		Snapshot:     snapshot,
		EvidenceJSON: string(evidenceJSON),
		OrgID:        orgID,
		Repo:         repo,
		Branch:       branch,
		EventType:    eventType,
		Mode:         mode,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
