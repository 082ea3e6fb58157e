package webhook

import (
	"errors"
	"net/http"

	"github.com/mamadbah2/wahook/pkg/flowcrypto"
)

// Kind classifies processing failures so transports can branch on them
// without inspecting error strings.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindVerification covers bad verify tokens and signatures.
	KindVerification
	// KindParse covers malformed JSON and missing envelope fields.
	KindParse
	// KindCrypto covers key unwrap and AES-GCM failures.
	KindCrypto
	// KindNotFound covers unknown objects and missing flow handlers.
	KindNotFound
	// KindHandler covers failures raised by registered handlers.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindVerification:
		return "verification"
	case KindParse:
		return "parse"
	case KindCrypto:
		return "crypto"
	case KindNotFound:
		return "not_found"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Error is a tagged processing failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	errSignature       = errors.New("signature verification failed")
	errUnknownObject   = errors.New("unsupported webhook object")
	errNoFlowHandler   = errors.New("no flow handler registered")
	errUnknownAction   = errors.New("unknown flow action")
	errFlowUnavailable = errors.New("flow private key not configured")
)

// StatusFor maps a processing error onto the HTTP status returned to Meta.
// A key unwrap failure answers 421 so the platform re-fetches the public key.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindVerification:
		return http.StatusUnauthorized
	case KindParse:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCrypto:
		if errors.Is(err, flowcrypto.ErrKeyMismatch) {
			return http.StatusMisdirectedRequest
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
