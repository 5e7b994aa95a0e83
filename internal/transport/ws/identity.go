package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Identity maps connection tokens to player ids. Resolution happens once
// per handshake; the gateway never stores tokens afterwards.
type Identity interface {
	Resolve(token string) (playerID string, err error)
}

// TribeSource optionally supplies a tribe for first-spawn villages.
// Identities that don't implement it spawn tribeless players.
type TribeSource interface {
	TribeOf(playerID string) string
}

var errUnknownToken = errors.New("unknown token")

// StaticPlayer is one row of the token table.
type StaticPlayer struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name,omitempty"`
	Tribe    string `json:"tribe,omitempty"`
}

// StaticIdentity resolves against a fixed token table loaded at boot.
// Good enough for single-realm deployments; anything federated should
// sit behind its own Identity.
type StaticIdentity struct {
	mu      sync.RWMutex
	byToken map[string]StaticPlayer
	tribes  map[string]string
}

func NewStaticIdentity(byToken map[string]StaticPlayer) *StaticIdentity {
	s := &StaticIdentity{
		byToken: make(map[string]StaticPlayer, len(byToken)),
		tribes:  make(map[string]string, len(byToken)),
	}
	for tok, p := range byToken {
		s.byToken[tok] = p
		if p.Tribe != "" {
			s.tribes[p.PlayerID] = p.Tribe
		}
	}
	return s
}

// LoadIdentity reads a JSON token table: {"tokens": {"<token>": {"player_id": ...}}}.
func LoadIdentity(path string) (*StaticIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var doc struct {
		Tokens map[string]StaticPlayer `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	for tok, p := range doc.Tokens {
		if p.PlayerID == "" {
			return nil, fmt.Errorf("identity file %s: token %q has no player_id", path, tok)
		}
	}
	return NewStaticIdentity(doc.Tokens), nil
}

func (s *StaticIdentity) Resolve(token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byToken[token]
	if !ok {
		return "", errUnknownToken
	}
	return p.PlayerID, nil
}

func (s *StaticIdentity) TribeOf(playerID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tribes[playerID]
}

// OpenIdentity admits any non-empty token and uses it as the player id.
// Dev and test default; never deploy it on a reachable port.
type OpenIdentity struct{}

func (OpenIdentity) Resolve(token string) (string, error) {
	if token == "" {
		return "", errUnknownToken
	}
	return token, nil
}
