package cosync

import (
	"encoding/json"
	"fmt"
)

const profileKey = "profile"

type accountMetaJson struct {
	Type string `json:"type"`
}

// an account is a group that is always admin of itself
// the initial admin of the header is the agent that signs for the account
type Account struct {
	Group
}

func (self *Account) AgentId() AgentId {
	return AgentId(self.core.header.Ruleset.InitialAdmin)
}

func (self *Account) AccountId() AccountOrAgentId {
	return AccountOrAgentId(self.core.id)
}

func (self *Account) ProfileId() (CoValueId, bool) {
	value, ok := self.Get(profileKey)
	if !ok {
		return "", false
	}
	var profileId CoValueId
	if err := json.Unmarshal(value, &profileId); err != nil {
		return "", false
	}
	if !IsCoValueId(string(profileId)) {
		return "", false
	}
	return profileId, true
}

func (self *Account) Profile() (*CoValueRef, bool) {
	profileId, ok := self.ProfileId()
	if !ok {
		return nil, false
	}
	return newCoValueRef(self.core.node, profileId), true
}

func newAccountHeader(agentId AgentId, createdAt int64) *CoValueHeader {
	meta, _ := json.Marshal(&accountMetaJson{
		Type: "account",
	})
	return &CoValueHeader{
		Type:       CoValueTypeAccount,
		Ruleset:    SelfGoverning(AccountOrAgentId(agentId)),
		Meta:       meta,
		CreatedAt:  createdAt,
		Uniqueness: NewId().String(),
	}
}

// the agent of an account header
func accountAgent(header *CoValueHeader) (AgentId, error) {
	if header.Type != CoValueTypeAccount {
		return "", fmt.Errorf("%w: not an account", ErrWrongType)
	}
	return AgentId(header.Ruleset.InitialAdmin), nil
}
