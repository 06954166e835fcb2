package cosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidPeerToken = errors.New("Invalid peer token.")

// the identity a peer presents when it connects
// signed by the agent signer key, so a token proves possession of the agent secret
type PeerClaims struct {
	AgentId   AgentId          `json:"agent_id"`
	AccountId AccountOrAgentId `json:"account_id,omitempty"`
	gojwt.RegisteredClaims
}

// the account when there is one, else the agent
func (self *PeerClaims) Member() AccountOrAgentId {
	if self.AccountId != "" {
		return self.AccountId
	}
	return AccountOrAgentId(self.AgentId)
}

func SignPeerToken(agentSecret AgentSecret, account AccountOrAgentId, ttl time.Duration) (string, error) {
	agentId, err := agentSecret.AgentId()
	if err != nil {
		return "", err
	}
	privateKey, err := agentSecret.SignerSecret().privateKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &PeerClaims{
		AgentId: agentId,
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        NewId().String(),
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if account.IsAccount() {
		claims.AccountId = account
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// verifies the signature against the agent named in the token
// the account claim is checked separately with `LocalNode.VerifyPeerToken`
func VerifyPeerToken(tokenStr string) (*PeerClaims, error) {
	claims := &PeerClaims{}
	_, err := gojwt.ParseWithClaims(
		tokenStr,
		claims,
		func(token *gojwt.Token) (any, error) {
			unverified, ok := token.Claims.(*PeerClaims)
			if !ok || !IsAgentId(string(unverified.AgentId)) {
				return nil, ErrInvalidPeerToken
			}
			signerId, err := unverified.AgentId.SignerId()
			if err != nil {
				return nil, err
			}
			return signerId.PublicKey()
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodEdDSA.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w %s", ErrInvalidPeerToken, err)
	}
	if claims.AccountId != "" && !claims.AccountId.IsAccount() {
		return nil, ErrInvalidPeerToken
	}
	return claims, nil
}

// a token for the current account of the node
func (self *LocalNode) PeerToken(ttl time.Duration) (string, error) {
	return SignPeerToken(self.secret, self.currentAccount(), ttl)
}

// like `VerifyPeerToken`, and also checks that the claimed account is signed for by the claimed agent
// an account that is not available yet is accepted, since every transaction is verified on merge
func (self *LocalNode) VerifyPeerToken(ctx context.Context, tokenStr string) (*PeerClaims, error) {
	claims, err := VerifyPeerToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.AccountId == "" {
		return claims, nil
	}
	if self.availableCore(CoValueId(claims.AccountId)) == nil {
		return claims, nil
	}
	agentId, err := self.resolveAgent(claims.AccountId)
	if err != nil {
		return nil, err
	}
	if agentId != claims.AgentId {
		return nil, fmt.Errorf("%w account %s is not signed for by %s", ErrInvalidPeerToken, claims.AccountId, claims.AgentId)
	}
	return claims, nil
}
