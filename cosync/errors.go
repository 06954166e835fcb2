package cosync

import (
	"errors"
	"fmt"
)

// error type checking:
//   sentinel errors are checked with errors.Is(err, ErrX)
//   typed errors are checked with errors.As(err, &target)

var (
	ErrNotFound              = errors.New("Not found.")
	ErrDependencyUnavailable = errors.New("Dependency unavailable.")
	ErrNoAccount             = errors.New("Node has no account.")
	ErrHeaderMismatch        = errors.New("Header does not hash to the covalue id.")
	ErrPeerNotFound          = errors.New("Peer not found.")
	ErrPeerClosed            = errors.New("Peer closed.")
	ErrTransportClosed       = errors.New("Transport closed.")
	ErrWrongType             = errors.New("Wrong covalue type.")
)

type CryptoErrorKind int

const (
	CryptoErrorMalformedKey CryptoErrorKind = iota
	CryptoErrorSignatureMismatch
	CryptoErrorCiphertextTampered
)

func (self CryptoErrorKind) String() string {
	switch self {
	case CryptoErrorMalformedKey:
		return "malformed key"
	case CryptoErrorSignatureMismatch:
		return "signature mismatch"
	case CryptoErrorCiphertextTampered:
		return "ciphertext tampered"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// bad key material, signature or ciphertext
// the transaction is rejected and never retried
type CryptoError struct {
	Kind    CryptoErrorKind
	Message string
}

func newCryptoError(kind CryptoErrorKind, format string, a ...any) *CryptoError {
	return &CryptoError{
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *CryptoError) Error() string {
	return fmt.Sprintf("Crypto error (%s): %s", self.Kind, self.Message)
}

func IsDecryptionError(err error) bool {
	var cryptoErr *CryptoError
	return errors.As(err, &cryptoErr) && cryptoErr.Kind == CryptoErrorCiphertextTampered
}

// the writer lacked the role at the referenced group version
// the transaction is marked invalid and retained for audit
type PermissionError struct {
	Id     CoValueId
	TxId   TransactionId
	Author AccountOrAgentId
	Role   Role
}

func (self *PermissionError) Error() string {
	return fmt.Sprintf("Permission error: %s has role %s in %s (%s).", self.Author, self.Role, self.Id, self.TxId)
}

// the value was not found on any reachable peer
type UnavailableError struct {
	Id CoValueId
}

func (self *UnavailableError) Error() string {
	return fmt.Sprintf("Unavailable: %s.", self.Id)
}

// the changes of a transaction could not be parsed
// the transaction is dropped from the resolved view and logged
type MalformedTransactionError struct {
	Id   CoValueId
	TxId TransactionId
	Err  error
}

func (self *MalformedTransactionError) Error() string {
	return fmt.Sprintf("Malformed transaction %s in %s: %s", self.TxId, self.Id, self.Err)
}

func (self *MalformedTransactionError) Unwrap() error {
	return self.Err
}

// the peer did not ack within the deadline
type UploadTimeoutError struct {
	PeerId PeerId
	Id     CoValueId
}

func (self *UploadTimeoutError) Error() string {
	return fmt.Sprintf("Upload timeout: %s into peer %s.", self.Id, self.PeerId)
}

type KeyNotRevealedError struct {
	GroupId CoValueId
	KeyId   KeyId
	Member  AccountOrAgentId
}

func (self *KeyNotRevealedError) Error() string {
	return fmt.Sprintf("Key %s of %s is not revealed to %s.", self.KeyId, self.GroupId, self.Member)
}
