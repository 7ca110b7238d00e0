package nexus

import "fmt"

// Kind classifies an Error
type Kind int

// Error kinds
const (
	KindAlreadyShared Kind = iota + 1
	KindNotShared
	KindInvalidShareProtocol
	KindCreateCryptoBdev
	KindDestroyCryptoBdev
	KindShareNexus
	KindShareIscsiNexus
)

// Error is returned by the share operations of a Nexus
type Error struct {
	Kind  Kind
	Name  string // name of the nexus
	Value int32  // raw share protocol, for KindInvalidShareProtocol
	Err   error  // underlying cause, if any
}

// Sentinels for use with errors.Is
var (
	ErrAlreadyShared        = &Error{Kind: KindAlreadyShared}
	ErrNotShared            = &Error{Kind: KindNotShared}
	ErrInvalidShareProtocol = &Error{Kind: KindInvalidShareProtocol}
	ErrCreateCryptoBdev     = &Error{Kind: KindCreateCryptoBdev}
	ErrDestroyCryptoBdev    = &Error{Kind: KindDestroyCryptoBdev}
	ErrShareNexus           = &Error{Kind: KindShareNexus}
	ErrShareIscsiNexus      = &Error{Kind: KindShareIscsiNexus}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindAlreadyShared:
		msg = fmt.Sprintf("nexus %s has been already shared", e.Name)
	case KindNotShared:
		msg = fmt.Sprintf("nexus %s has not been shared", e.Name)
	case KindInvalidShareProtocol:
		msg = fmt.Sprintf("invalid share protocol %d in request for nexus %s", e.Value, e.Name)
	case KindCreateCryptoBdev:
		msg = fmt.Sprintf("failed to create crypto bdev for nexus %s", e.Name)
	case KindDestroyCryptoBdev:
		msg = fmt.Sprintf("failed to destroy crypto bdev for nexus %s", e.Name)
	case KindShareNexus:
		msg = fmt.Sprintf("failed to share nexus %s over NBD", e.Name)
	case KindShareIscsiNexus:
		msg = fmt.Sprintf("failed to share nexus %s over iSCSI", e.Name)
	default:
		msg = fmt.Sprintf("nexus %s: error kind %d", e.Name, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func invalidShareProtocol(name string, p ShareProtocol) *Error {
	return &Error{Kind: KindInvalidShareProtocol, Name: name, Value: int32(p)}
}
