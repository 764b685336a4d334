// Package registry holds the League Manager's in-memory record of
// registered agents and the auth tokens issued to them. All lookups on the
// request path stay in memory; nothing here touches the filesystem.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/parityleague/backend/internal/protocol"
	"go.uber.org/zap"
)

// Registration is one registered agent.
type Registration struct {
	AgentID              string
	AgentType            string
	Endpoint             string
	Token                string
	ExpiresAt            time.Time
	Capabilities         []string
	MaxConcurrentMatches int
}

// Registry is owned exclusively by the League Manager process.
type Registry struct {
	mu           sync.RWMutex
	players      map[string]*Registration
	referees     map[string]*Registration
	leagueActive bool

	secret      []byte
	tokenTTL    time.Duration
	maxPlayers  int
	maxReferees int
	now         func() time.Time
	log         *zap.Logger
}

// New builds an empty registry.
func New(secret string, tokenTTL time.Duration, maxPlayers, maxReferees int, log *zap.Logger) *Registry {
	return &Registry{
		players:     make(map[string]*Registration),
		referees:    make(map[string]*Registration),
		secret:      []byte(secret),
		tokenTTL:    tokenTTL,
		maxPlayers:  maxPlayers,
		maxReferees: maxReferees,
		now:         time.Now,
		log:         log,
	}
}

// SetLeagueActive flips the registration window. While active, player
// re-registration is rejected rather than refreshed.
func (r *Registry) SetLeagueActive(active bool) {
	r.mu.Lock()
	r.leagueActive = active
	r.mu.Unlock()
}

// mintToken issues an HMAC-signed token carrying the agent identity and the
// TTL. Holders treat it as opaque.
func (r *Registry) mintToken(agentID, agentType string, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"agent_id":   agentID,
		"agent_type": agentType,
		"exp":        expires.Unix(),
		"iat":        r.now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}

// MintLeagueManagerToken issues the LM's own outbound token. Referees and
// players cannot verify it against a registry, but they do require a signed
// token to be present on every non-registration message.
func (r *Registry) MintLeagueManagerToken(agentID string) (string, error) {
	return r.mintToken(agentID, protocol.AgentLeagueManager, r.now().Add(r.tokenTTL))
}

// endpointTaken reports whether a different agent already registered the
// same physical endpoint.
func (r *Registry) endpointTaken(endpoint, agentID string) bool {
	for _, reg := range r.players {
		if reg.Endpoint == endpoint && reg.AgentID != agentID {
			return true
		}
	}
	for _, reg := range r.referees {
		if reg.Endpoint == endpoint && reg.AgentID != agentID {
			return true
		}
	}
	return false
}

// RegisterPlayer registers or refreshes a player. Re-registering the same
// player_id while the league is PENDING is idempotent (same token); while
// the league is ACTIVE it is rejected with E005.
func (r *Registry) RegisterPlayer(playerID, endpoint string, capabilities []string) (*Registration, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.players[playerID]; ok {
		if r.leagueActive {
			return nil, protocol.NewError(protocol.CodeStateUnavailable,
				"player %s cannot re-register while the league is active", playerID)
		}
		if r.now().Before(existing.ExpiresAt) {
			return existing, nil
		}
		// Token expired: fall through and mint a fresh one.
	} else {
		if r.leagueActive {
			return nil, protocol.NewError(protocol.CodeStateUnavailable,
				"registration window is closed, league is active")
		}
		if len(r.players) >= r.maxPlayers {
			return nil, protocol.NewError(protocol.CodeResourceExhausted,
				"league is full (%d players)", r.maxPlayers)
		}
		if r.endpointTaken(endpoint, playerID) {
			return nil, protocol.NewError(protocol.CodeDuplicateRegistration,
				"endpoint %s is already registered to another agent", endpoint)
		}
	}

	expires := r.now().Add(r.tokenTTL)
	token, err := r.mintToken(playerID, protocol.AgentPlayer, expires)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "mint token: %v", err)
	}
	reg := &Registration{
		AgentID:      playerID,
		AgentType:    protocol.AgentPlayer,
		Endpoint:     endpoint,
		Token:        token,
		ExpiresAt:    expires,
		Capabilities: capabilities,
	}
	r.players[playerID] = reg
	r.log.Info("player registered",
		zap.String("player_id", playerID),
		zap.String("endpoint", endpoint),
		zap.Time("token_expires", expires),
	)
	return reg, nil
}

// RegisterReferee registers or refreshes a referee. Re-registration within
// the TTL refreshes the token.
func (r *Registry) RegisterReferee(refereeID, endpoint string, maxConcurrent int, capabilities []string) (*Registration, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.referees[refereeID]; !ok {
		if len(r.referees) >= r.maxReferees {
			return nil, protocol.NewError(protocol.CodeResourceExhausted,
				"referee limit reached (%d)", r.maxReferees)
		}
		if r.endpointTaken(endpoint, refereeID) {
			return nil, protocol.NewError(protocol.CodeDuplicateRegistration,
				"endpoint %s is already registered to another agent", endpoint)
		}
	}

	expires := r.now().Add(r.tokenTTL)
	token, err := r.mintToken(refereeID, protocol.AgentReferee, expires)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "mint token: %v", err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	reg := &Registration{
		AgentID:              refereeID,
		AgentType:            protocol.AgentReferee,
		Endpoint:             endpoint,
		Token:                token,
		ExpiresAt:            expires,
		Capabilities:         capabilities,
		MaxConcurrentMatches: maxConcurrent,
	}
	r.referees[refereeID] = reg
	r.log.Info("referee registered",
		zap.String("referee_id", refereeID),
		zap.String("endpoint", endpoint),
		zap.Int("max_concurrent_matches", maxConcurrent),
	)
	return reg, nil
}

// Deregister removes an agent and invalidates its token.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	delete(r.players, agentID)
	delete(r.referees, agentID)
	r.mu.Unlock()
}

// lookup returns the registration for an agent of either type.
func (r *Registry) lookup(agentID string) *Registration {
	if reg, ok := r.players[agentID]; ok {
		return reg
	}
	if reg, ok := r.referees[agentID]; ok {
		return reg
	}
	return nil
}

// Get returns a registered agent by id.
func (r *Registry) Get(agentID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg := r.lookup(agentID)
	return reg, reg != nil
}

// ValidateToken checks that token is exactly the one issued to agentID, has
// a valid signature and has not expired.
func (r *Registry) ValidateToken(agentID, token string) (bool, time.Time) {
	r.mu.RLock()
	reg := r.lookup(agentID)
	r.mu.RUnlock()
	if reg == nil || reg.Token != token {
		return false, time.Time{}
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return false, time.Time{}
	}
	if r.now().After(reg.ExpiresAt) {
		return false, time.Time{}
	}
	return true, reg.ExpiresAt
}

// Auth is the rpc.AuthFunc for the League Manager: the token must match the
// issued one (E012) and the sender identity must be the registered one (E003).
// Operator-surface methods bypass the registry; START_LEAGUE carries its own
// operator key and LEAGUE_QUERY is read-only.
func (r *Registry) Auth(messageType, sender, token string) *protocol.Error {
	agentType, agentID, err := protocol.ParseSender(sender)
	if err != nil {
		return protocol.NewError(protocol.CodeValidation, "invalid sender: %v", err)
	}
	if agentType == protocol.AgentOperator {
		if messageType == protocol.MsgStartLeague || messageType == protocol.MsgLeagueQuery {
			return nil
		}
		return protocol.NewError(protocol.CodeAuthIdentity,
			"operators may only call START_LEAGUE and LEAGUE_QUERY")
	}
	reg, ok := r.Get(agentID)
	if !ok {
		return protocol.NewError(protocol.CodeAuthIdentity, "sender %s is not registered", agentID)
	}
	if reg.AgentType != agentType {
		return protocol.NewError(protocol.CodeAuthIdentity,
			"sender type %s does not match registered type %s", agentType, reg.AgentType)
	}
	if token == "" {
		return protocol.NewError(protocol.CodeAuthToken, "auth_token is required")
	}
	if ok, _ := r.ValidateToken(agentID, token); !ok {
		return protocol.NewError(protocol.CodeAuthToken, "auth_token is invalid or expired")
	}
	return nil
}

// Players returns the registered player ids.
func (r *Registry) Players() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	return ids
}

// PlayerEndpoints returns id -> contact endpoint for all players.
func (r *Registry) PlayerEndpoints() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.players))
	for id, reg := range r.players {
		out[id] = reg.Endpoint
	}
	return out
}

// Referees returns the registered referees ordered by agent id, so referee
// assignment stays a pure function of the registered set.
func (r *Registry) Referees() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.referees))
	for _, reg := range r.referees {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
