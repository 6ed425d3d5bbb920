// Package checkpoint implements Checkpoint/Restore: a self-describing
// snapshot bundle of the artifact store, ledger state, trigger
// registry, mint submissions, event counter, and id registry, signed
// with a configuration fingerprint so a restore can be verified against
// the config it was taken under. SPEC_FULL.md §6 "Checkpoint layout",
// spec.md §8 R4.
//
// The signed-fingerprint idiom is grounded on the teacher's JWT-based
// service-to-service token pattern (infrastructure/serviceauth), here
// applied to one fact rather than a bearer identity: "this bundle was
// taken under config fingerprint X," so Restore can refuse to rehydrate
// a bundle against a materially different configuration.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/r3e-network/econe/domain/artifact"
	"github.com/r3e-network/econe/domain/mintdom"
	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/ledger"
	"github.com/r3e-network/econe/internal/mint"
	"github.com/r3e-network/econe/internal/store"
	"github.com/r3e-network/econe/internal/trigger"
	"github.com/r3e-network/econe/pkg/kernelerr"
)

// Bundle is the full snapshot. Every field round-trips through JSON so
// the bundle itself is the "self-describing" artifact spec.md names.
type Bundle struct {
	TakenAt     time.Time          `json:"taken_at"`
	EventNumber uint64             `json:"event_number"`
	Artifacts   []*artifact.Artifact `json:"artifacts"`
	ClaimedIDs  []string           `json:"claimed_ids"`
	Ledger      ledger.Snapshot    `json:"ledger"`
	Triggers    trigger.Snapshot   `json:"triggers"`
	MintSubmissions []mintdom.Submission `json:"mint_submissions"`

	// ConfigFingerprint is a JWT whose claims hash the configuration this
	// bundle was taken under. Restore verifies it against the config the
	// restoring process was given, refusing a bundle/config mismatch.
	ConfigFingerprint string `json:"config_fingerprint"`
}

// Components is the set of live components Checkpoint reads and
// Restore repopulates.
type Components struct {
	Store   *store.Store
	Ledger  *ledger.Ledger
	Trigger *trigger.Registry
	Mint    *mint.Engine
	Clock   *clock.Clock
	IDs     *clock.IdRegistry
}

// fingerprintClaims is the JWT payload: a SHA-256-independent, plain
// map-based hash-of-config. go-jwt already canonicalizes claim encoding,
// so the claim map itself (sorted keys, stable JSON) is the fingerprint
// input — no separate hashing step is needed.
type fingerprintClaims struct {
	Config map[string]any `json:"config"`
	jwt.StandardClaims
}

// Take produces a Bundle from the live components, signing the
// fingerprint of configFingerprint (the caller's merged kconfig.Config,
// rendered as a plain map so this package never imports pkg/kconfig and
// risks a cycle) with signingKey.
func Take(c Components, configFingerprint map[string]any, signingKey []byte) (*Bundle, error) {
	claims := fingerprintClaims{
		Config:         configFingerprint,
		StandardClaims: jwt.StandardClaims{IssuedAt: time.Now().Unix()},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvariantViolation, "sign checkpoint fingerprint", err)
	}

	return &Bundle{
		TakenAt:         time.Now(),
		EventNumber:     c.Clock.Current(),
		Artifacts:       c.Store.List(nil),
		ClaimedIDs:      c.IDs.Snapshot(),
		Ledger:          c.Ledger.Snapshot(),
		Triggers:        c.Trigger.Snapshot(),
		MintSubmissions: c.Mint.Submissions(),
		ConfigFingerprint: signed,
	}, nil
}

// Verify checks the bundle's fingerprint was signed with signingKey and
// carries the same configuration the caller supplies now (so a restore
// under a materially different config fails loudly rather than silently
// behaving differently).
func Verify(b *Bundle, configFingerprint map[string]any, signingKey []byte) error {
	var claims fingerprintClaims
	_, err := jwt.ParseWithClaims(b.ConfigFingerprint, &claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.InvariantViolation, "checkpoint fingerprint verification failed", err)
	}

	got, err := json.Marshal(claims.Config)
	if err != nil {
		return err
	}
	want, err := json.Marshal(configFingerprint)
	if err != nil {
		return err
	}
	if string(got) != string(want) {
		return kernelerr.New(kernelerr.InvariantViolation, "checkpoint was taken under a different configuration")
	}
	return nil
}

// Restore repopulates freshly constructed (empty) components from b.
// Restore must reproduce subsequent behavior deterministically modulo
// LLM non-determinism (spec.md §6) — it never merges with existing
// state, only loads into a blank slate.
func Restore(b *Bundle, c Components) {
	c.IDs.Restore(b.ClaimedIDs)
	c.Store.LoadSnapshot(b.Artifacts)
	c.Ledger.LoadSnapshot(b.Ledger)
	c.Trigger.LoadSnapshot(b.Triggers)
	c.Mint.LoadSubmissions(b.MintSubmissions)
	c.Clock.Restore(b.EventNumber)
}

// Save writes b to path as JSON.
func Save(b *Bundle, path string) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads a Bundle previously written by Save.
func Load(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &b, nil
}
