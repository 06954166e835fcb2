package cosync

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/golang/glog"
)

type Role string

const (
	RoleNone    Role = "none"
	RoleReader  Role = "reader"
	RoleWriter  Role = "writer"
	RoleAdmin   Role = "admin"
	RoleRevoked Role = "revoked"
)

func (self Role) Valid() bool {
	switch self {
	case RoleReader, RoleWriter, RoleAdmin, RoleRevoked:
		return true
	default:
		return false
	}
}

func (self Role) level() int {
	switch self {
	case RoleReader:
		return 1
	case RoleWriter:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

func (self Role) CanRead() bool {
	return RoleReader.level() <= self.level()
}

func (self Role) CanWrite() bool {
	return RoleWriter.level() <= self.level()
}

func (self Role) IsAdmin() bool {
	return self == RoleAdmin
}

const readKeyKey = "readKey"
const keyRevealInfix = "_for_"

func keyRevealKey(keyId KeyId, member string) string {
	return string(keyId) + keyRevealInfix + member
}

type roleChange struct {
	position TxPosition
	role     Role
}

type groupEntry struct {
	position TxPosition
	author   AccountOrAgentId
	value    json.RawMessage
}

// the fold of a group's own log
type groupState struct {
	version      uint64
	initialAdmin AccountOrAgentId
	// set for accounts, which are always admin of themselves
	self  AccountOrAgentId
	roles map[AccountOrAgentId][]roleChange
	// non role keys, in total order
	entries map[string][]*groupEntry
	valid   map[TransactionId]bool
}

func newGroupState(id CoValueId, header *CoValueHeader, version uint64) *groupState {
	groupState := &groupState{
		version:      version,
		initialAdmin: header.Ruleset.InitialAdmin,
		roles:        map[AccountOrAgentId][]roleChange{},
		entries:      map[string][]*groupEntry{},
		valid:        map[TransactionId]bool{},
	}
	if header.Type == CoValueTypeAccount {
		groupState.self = AccountOrAgentId(id)
	}
	return groupState
}

func isMemberKey(key string) bool {
	member := AccountOrAgentId(key)
	return member == EveryoneMember || member.IsAccount() || member.IsAgent()
}

func (self *groupState) explicitRoleAt(member AccountOrAgentId, position TxPosition) (Role, bool) {
	changes := self.roles[member]
	// first change not before the position
	i, _ := slices.BinarySearchFunc(changes, position, func(change roleChange, position TxPosition) int {
		if change.position.Before(position) {
			return -1
		}
		return 1
	})
	if i == 0 {
		return RoleNone, false
	}
	return changes[i-1].role, true
}

// the role from all valid changes strictly before `position`
func (self *groupState) RoleAt(member AccountOrAgentId, position TxPosition) Role {
	if member != "" && member == self.self {
		return RoleAdmin
	}
	if role, ok := self.explicitRoleAt(member, position); ok {
		return role
	}
	if member != EveryoneMember {
		if role, ok := self.explicitRoleAt(EveryoneMember, position); ok {
			return role
		}
	}
	return RoleNone
}

func (self *groupState) latestEntry(key string, position TxPosition) *groupEntry {
	entries := self.entries[key]
	for i := len(entries) - 1; 0 <= i; i -= 1 {
		if entries[i].position.Before(position) {
			return entries[i]
		}
	}
	return nil
}

func (self *groupState) latestString(key string) (string, bool) {
	entry := self.latestEntry(key, LatestPosition())
	if entry == nil {
		return "", false
	}
	var value string
	if err := json.Unmarshal(entry.value, &value); err != nil {
		return "", false
	}
	return value, true
}

// whether `author` with `authorRole` may apply `op`
func (self *groupState) allowed(author AccountOrAgentId, authorRole Role, op *mapOpJson) bool {
	if op.Op != mapOpSet {
		// group history is append only
		return false
	}
	if !isMemberKey(op.Key) {
		return authorRole.IsAdmin()
	}
	var role Role
	if err := json.Unmarshal(op.Value, &role); err != nil || !role.Valid() {
		return false
	}
	member := AccountOrAgentId(op.Key)
	switch {
	case authorRole.IsAdmin():
		return role.level() <= authorRole.level()
	case member == author && role == RoleRevoked:
		// leave
		return true
	case member == author && role == RoleAdmin && author == self.initialAdmin && authorRole == RoleNone:
		// bootstrap
		return true
	default:
		return false
	}
}

func (self *groupState) apply(tx *Transaction) {
	txId := tx.TxId()
	position := tx.Position()
	author, err := tx.SessionId.Author()
	if err != nil || tx.Privacy != PrivacyTrusting {
		self.valid[txId] = false
		return
	}
	var ops []*mapOpJson
	if err := json.Unmarshal(tx.Changes, &ops); err != nil {
		self.valid[txId] = false
		return
	}

	// ops within a transaction see the author's own earlier role changes
	authorRole := self.RoleAt(author, LatestPosition())
	for _, op := range ops {
		if op == nil || !self.allowed(author, authorRole, op) {
			glog.V(2).Infof("[group]invalid %s op %v\n", txId, op)
			self.valid[txId] = false
			return
		}
		if AccountOrAgentId(op.Key) == author && isMemberKey(op.Key) {
			json.Unmarshal(op.Value, &authorRole)
		}
	}

	for _, op := range ops {
		if isMemberKey(op.Key) {
			var role Role
			json.Unmarshal(op.Value, &role)
			member := AccountOrAgentId(op.Key)
			self.roles[member] = append(self.roles[member], roleChange{
				position: position,
				role:     role,
			})
		} else {
			self.entries[op.Key] = append(self.entries[op.Key], &groupEntry{
				position: position,
				author:   author,
				value:    op.Value,
			})
		}
	}
	self.valid[txId] = true
}

// must be called with the state lock
func (self *CoValueCore) groupStateLocked() *groupState {
	if self.groupStateCache != nil && self.groupStateCache.version == self.version {
		return self.groupStateCache
	}
	groupState := newGroupState(self.id, self.header, self.version)
	if self.header.Type.IsGroup() {
		for _, tx := range self.sortedTransactions() {
			groupState.apply(tx)
		}
	}
	self.groupStateCache = groupState
	return groupState
}

// the role of `member` from the group changes strictly before `position`
// this is `none` when this core is not a group
func (self *CoValueCore) RoleAt(member AccountOrAgentId, position TxPosition) Role {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.header.Type.IsGroup() {
		return RoleNone
	}
	return self.groupStateLocked().RoleAt(member, position)
}

func (self *CoValueCore) CanWrite(member AccountOrAgentId, position TxPosition) bool {
	return self.RoleAt(member, position).CanWrite()
}

func (self *CoValueCore) CanRead(member AccountOrAgentId, position TxPosition) bool {
	return self.RoleAt(member, position).CanRead()
}

// the read key in effect at `position`
func (self *CoValueCore) EncryptionKeyFor(position TxPosition) (KeyId, KeySecret, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.groupStateLocked().latestEntry(readKeyKey, position)
	if entry == nil {
		return "", "", &KeyNotRevealedError{
			GroupId: self.id,
			Member:  self.node.currentAccount(),
		}
	}
	var keyId KeyId
	if err := json.Unmarshal(entry.value, &keyId); err != nil {
		return "", "", err
	}
	keySecret, err := self.readKeySecretLocked(keyId, map[KeyId]bool{})
	if err != nil {
		return "", "", err
	}
	return keyId, keySecret, nil
}

func (self *CoValueCore) CurrentReadKey() (KeyId, KeySecret, error) {
	return self.EncryptionKeyFor(LatestPosition())
}

func (self *CoValueCore) ReadKeySecret(keyId KeyId) (KeySecret, error) {
	if keySecret, ok := self.node.cachedKeySecret(self.id, keyId); ok {
		return keySecret, nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readKeySecretLocked(keyId, map[KeyId]bool{})
}

// tries, in order: a reveal sealed to this node's account or agent,
// a reveal to everyone, and newer keys that encrypt this key
func (self *CoValueCore) readKeySecretLocked(keyId KeyId, visited map[KeyId]bool) (KeySecret, error) {
	if keySecret, ok := self.node.cachedKeySecret(self.id, keyId); ok {
		return keySecret, nil
	}
	visited[keyId] = true

	groupState := self.groupStateLocked()
	agentSecret := self.node.agentSecret()

	found := func(keySecret KeySecret) (KeySecret, error) {
		if keySecret.KeyId() != keyId {
			return "", newCryptoError(CryptoErrorCiphertextTampered, "revealed key does not match %s", keyId)
		}
		self.node.cacheKeySecret(self.id, keyId, keySecret)
		return keySecret, nil
	}

	members := []AccountOrAgentId{}
	if account := self.node.currentAccount(); account != "" {
		members = append(members, account)
	}
	if agentId, err := agentSecret.AgentId(); err == nil {
		members = append(members, AccountOrAgentId(agentId))
	}
	for _, member := range members {
		entry := groupState.latestEntry(keyRevealKey(keyId, string(member)), LatestPosition())
		if entry == nil {
			continue
		}
		keySecret, err := self.unsealKeyReveal(entry, agentSecret)
		if err != nil {
			glog.Infof("[group]%s could not unseal %s = %s\n", self.id, keyId, err)
			continue
		}
		return found(keySecret)
	}

	if value, ok := groupState.latestString(keyRevealKey(keyId, string(EveryoneMember))); ok {
		return found(KeySecret(value))
	}

	prefix := keyRevealKey(keyId, keyIdPrefix)
	for _, key := range sortedKeys(groupState.entries) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		newKeyId := KeyId(key[len(keyId)+len(keyRevealInfix):])
		if visited[newKeyId] {
			continue
		}
		newKeySecret, err := self.readKeySecretLocked(newKeyId, visited)
		if err != nil {
			continue
		}
		value, _ := groupState.latestString(key)
		encrypted, err := decodeEncrypted(value)
		if err != nil {
			continue
		}
		plaintext, err := Decrypt(newKeySecret, encrypted, keyEncryptionNonceMaterial(keyId, newKeyId))
		if err != nil {
			continue
		}
		return found(KeySecret(plaintext))
	}

	return "", &KeyNotRevealedError{
		GroupId: self.id,
		KeyId:   keyId,
		Member:  self.node.currentAccount(),
	}
}

func (self *CoValueCore) unsealKeyReveal(entry *groupEntry, agentSecret AgentSecret) (KeySecret, error) {
	var value string
	if err := json.Unmarshal(entry.value, &value); err != nil {
		return "", err
	}
	sealed, err := decodeSealed(value)
	if err != nil {
		return "", err
	}
	revealer, err := self.node.resolveAgent(entry.author)
	if err != nil {
		return "", err
	}
	sealerId, err := revealer.SealerId()
	if err != nil {
		return "", err
	}
	plaintext, err := Unseal(agentSecret.SealerSecret(), sealerId, sealed)
	if err != nil {
		return "", err
	}
	return KeySecret(plaintext), nil
}

func keyEncryptionNonceMaterial(keyId KeyId, newKeyId KeyId) []byte {
	return []byte(fmt.Sprintf("%s/%s", keyId, newKeyId))
}

// group view
type Group struct {
	core *CoValueCore
}

func (self *Group) Id() CoValueId {
	return self.core.id
}

func (self *Group) Core() *CoValueCore {
	return self.core
}

func (self *Group) LoadState() LoadState {
	return self.core.LoadState()
}

func (self *Group) RoleOf(member AccountOrAgentId) Role {
	return self.core.RoleAt(member, LatestPosition())
}

func (self *Group) MyRole() Role {
	return self.RoleOf(self.core.node.currentAccount())
}

// the latest explicit role per member
func (self *Group) Members() map[AccountOrAgentId]Role {
	self.core.stateLock.Lock()
	defer self.core.stateLock.Unlock()

	members := map[AccountOrAgentId]Role{}
	for member, changes := range self.core.groupStateLocked().roles {
		members[member] = changes[len(changes)-1].role
	}
	return members
}

func (self *Group) ReadKeyId() (KeyId, bool) {
	self.core.stateLock.Lock()
	defer self.core.stateLock.Unlock()

	value, ok := self.core.groupStateLocked().latestString(readKeyKey)
	return KeyId(value), ok
}

// a non member key, e.g. the account profile
func (self *Group) Get(key string) (json.RawMessage, bool) {
	self.core.stateLock.Lock()
	defer self.core.stateLock.Unlock()

	entry := self.core.groupStateLocked().latestEntry(key, LatestPosition())
	if entry == nil {
		return nil, false
	}
	return entry.value, true
}

func (self *Group) Set(key string, value any) error {
	if isMemberKey(key) {
		return fmt.Errorf("Use AddMember to set a role.")
	}
	op, err := newSetOp(key, value)
	if err != nil {
		return err
	}
	_, err = self.core.MakeTransaction([]any{op}, PrivacyTrusting)
	return err
}

func (self *Group) requireAdmin() error {
	me := self.core.node.currentAccount()
	if me == "" {
		return ErrNoAccount
	}
	if role := self.RoleOf(me); !role.IsAdmin() {
		return &PermissionError{
			Id:     self.core.id,
			Author: me,
			Role:   role,
		}
	}
	return nil
}

// the change that reveals `keySecret` to `member`
func (self *Group) revealOp(ctx context.Context, keyId KeyId, keySecret KeySecret, member AccountOrAgentId) (*mapOpJson, error) {
	if member == EveryoneMember {
		return newSetOp(keyRevealKey(keyId, string(member)), string(keySecret))
	}
	agentId, err := self.core.node.loadAgent(ctx, member)
	if err != nil {
		return nil, err
	}
	sealerId, err := agentId.SealerId()
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(self.core.node.agentSecret().SealerSecret(), sealerId, []byte(keySecret))
	if err != nil {
		return nil, err
	}
	return newSetOp(keyRevealKey(keyId, string(member)), encodeSealed(sealed))
}

func (self *Group) AddMember(ctx context.Context, member AccountOrAgentId, role Role) error {
	if !isMemberKey(string(member)) {
		return fmt.Errorf("Invalid member: %s", member)
	}
	if !role.Valid() {
		return fmt.Errorf("Invalid role: %s", role)
	}
	if role == RoleRevoked {
		return self.RemoveMember(ctx, member)
	}
	if err := self.requireAdmin(); err != nil {
		return err
	}

	roleOp, err := newSetOp(string(member), role)
	if err != nil {
		return err
	}
	ops := []any{roleOp}
	if keyId, keySecret, err := self.core.CurrentReadKey(); err == nil {
		revealOp, err := self.revealOp(ctx, keyId, keySecret, member)
		if err != nil {
			return err
		}
		ops = append(ops, revealOp)
	}
	_, err = self.core.MakeTransaction(ops, PrivacyTrusting)
	return err
}

// revokes `member` and rotates the read key so that later private content is sealed from them
func (self *Group) RemoveMember(ctx context.Context, member AccountOrAgentId) error {
	if self.core.node.currentAccount() != member {
		if err := self.requireAdmin(); err != nil {
			return err
		}
	}
	roleOp, err := newSetOp(string(member), RoleRevoked)
	if err != nil {
		return err
	}
	if _, err := self.core.MakeTransaction([]any{roleOp}, PrivacyTrusting); err != nil {
		return err
	}
	if self.core.node.currentAccount() == member {
		// a member that left cannot rotate
		return nil
	}
	return self.RotateReadKey(ctx)
}

// creates a new read key, reveals it to every current reader
// and encrypts the previous key under it
func (self *Group) RotateReadKey(ctx context.Context) error {
	if err := self.requireAdmin(); err != nil {
		return err
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return err
	}
	newKeySecret := DeriveKeySecret(seed, string(self.core.node.currentSessionId()))
	newKeyId := newKeySecret.KeyId()

	members := self.Members()
	if self.core.header.Type == CoValueTypeAccount {
		members[AccountOrAgentId(self.core.id)] = RoleAdmin
	}
	ops := []any{}
	for _, member := range sortedKeys(members) {
		if !self.RoleOf(member).CanRead() {
			continue
		}
		revealOp, err := self.revealOp(ctx, newKeyId, newKeySecret, member)
		if err != nil {
			return err
		}
		ops = append(ops, revealOp)
	}

	if oldKeyId, oldKeySecret, err := self.core.CurrentReadKey(); err == nil {
		encrypted, err := Encrypt(newKeySecret, []byte(oldKeySecret), keyEncryptionNonceMaterial(oldKeyId, newKeyId))
		if err != nil {
			return err
		}
		op, err := newSetOp(keyRevealKey(oldKeyId, string(newKeyId)), encodeEncrypted(encrypted))
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	readKeyOp, err := newSetOp(readKeyKey, newKeyId)
	if err != nil {
		return err
	}
	ops = append(ops, readKeyOp)

	_, err = self.core.MakeTransaction(ops, PrivacyTrusting)
	return err
}
