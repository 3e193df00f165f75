package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SignedScheme is the Authorization scheme carrying an encoded assertion.
const SignedScheme = "Signed"

// maxAssertionLen bounds the encoded header value before decoding.
const maxAssertionLen = 2048

var (
	ErrMalformedAssertion = stderrors.New("identity: malformed assertion")
	ErrInvalidSignature   = stderrors.New("identity: invalid Ed25519 signature")
	ErrStaleAssertion     = stderrors.New("identity: assertion outside freshness window")
	ErrBindingMismatch    = stderrors.New("identity: assertion bound to a different request")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("identity: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic("identity: CBOR decoder initialization failed: " + err.Error())
	}
}

// claims is the signed portion of an assertion.
type claims struct {
	PublicKey []byte `cbor:"1,keyasint"`
	CreatedAt int64  `cbor:"2,keyasint"`
	Method    string `cbor:"3,keyasint"`
	URL       string `cbor:"4,keyasint"`
}

// Assertion proves control of an Ed25519 key for one HTTP request.
type Assertion struct {
	PublicKey []byte `cbor:"1,keyasint"`
	CreatedAt int64  `cbor:"2,keyasint"`
	Method    string `cbor:"3,keyasint"`
	URL       string `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint"`
}

func (a *Assertion) payload() ([]byte, error) {
	return encMode.Marshal(claims{
		PublicKey: a.PublicKey,
		CreatedAt: a.CreatedAt,
		Method:    a.Method,
		URL:       a.URL,
	})
}

// Principal returns the hex-encoded public key.
func (a *Assertion) Principal() string { return hex.EncodeToString(a.PublicKey) }

// SignAssertion builds the Authorization header value binding method and url
// to the key at time at.
func SignAssertion(priv ed25519.PrivateKey, method, url string, at time.Time) (string, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("identity: unexpected public key type %T", priv.Public())
	}
	a := &Assertion{
		PublicKey: pub,
		CreatedAt: at.Unix(),
		Method:    strings.ToUpper(method),
		URL:       url,
	}
	payload, err := a.payload()
	if err != nil {
		return "", fmt.Errorf("identity: encoding assertion claims: %w", err)
	}
	a.Signature = ed25519.Sign(priv, payload)

	raw, err := encMode.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("identity: encoding assertion: %w", err)
	}
	return SignedScheme + " " + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseAssertion decodes the credential part of a Signed Authorization header.
func ParseAssertion(encoded string) (*Assertion, error) {
	encoded = strings.TrimRight(strings.TrimSpace(encoded), "=")
	if encoded == "" || len(encoded) > maxAssertionLen {
		return nil, ErrMalformedAssertion
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	var a Assertion
	if err := decMode.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	if len(a.PublicKey) != ed25519.PublicKeySize || len(a.Signature) != ed25519.SignatureSize {
		return nil, ErrMalformedAssertion
	}
	return &a, nil
}

// Verify checks the signature, freshness (|now - created| <= skew) and the
// exact method and URL binding.
func (a *Assertion) Verify(method, url string, now time.Time, skew time.Duration) error {
	payload, err := a.payload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAssertion, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(a.PublicKey), payload, a.Signature) {
		return ErrInvalidSignature
	}

	age := now.Sub(time.Unix(a.CreatedAt, 0))
	if age < 0 {
		age = -age
	}
	if age > skew {
		return ErrStaleAssertion
	}

	if a.Method != method || a.URL != url {
		return ErrBindingMismatch
	}
	return nil
}
