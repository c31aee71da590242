// Package pduauth authenticates ISO-TP payloads with a truncated AES-CMAC tag
// appended to the message.
package pduauth

import (
	"crypto/aes"
	"encoding/hex"
	"strings"

	"github.com/chmike/cmac-go"
	"github.com/pkg/errors"

	"github.com/LoveWonYoung/isotpbroker/tp"
)

const (
	// DefaultTagSize 截断后的 MAC 长度（字节）
	DefaultTagSize = 4
	MinTagSize     = 4
	MaxTagSize     = 16
)

// ErrAuthentication is returned when a tag does not match its payload.
var ErrAuthentication = errors.New("pduauth: authentication failed")

// Signer appends and checks CMAC tags under one key.
type Signer struct {
	key     []byte
	tagSize int
}

// NewSigner creates a signer for an AES-128/192/256 key.
func NewSigner(key []byte, tagSize int) (*Signer, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.Errorf("pduauth: invalid AES key length %d", len(key))
	}
	if tagSize < MinTagSize || tagSize > MaxTagSize {
		return nil, errors.Errorf("pduauth: tag size %d outside %d..%d", tagSize, MinTagSize, MaxTagSize)
	}
	// 验证 key 可以构造 CMAC
	if _, err := cmac.New(aes.NewCipher, key); err != nil {
		return nil, errors.Wrap(err, "pduauth")
	}
	return &Signer{key: append([]byte(nil), key...), tagSize: tagSize}, nil
}

// ParseKey decodes a hex key, ignoring spaces and colons.
func ParseKey(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "pduauth: parse key")
	}
	return key, nil
}

// TagSize returns the number of tag bytes appended by Sign.
func (s *Signer) TagSize() int { return s.tagSize }

func (s *Signer) mac(payload []byte) []byte {
	h, err := cmac.New(aes.NewCipher, s.key)
	if err != nil {
		// key length checked in NewSigner
		panic(err)
	}
	h.Write(payload) // nolint: errcheck
	return h.Sum(nil)[:s.tagSize]
}

// Sign returns payload followed by its tag.
func (s *Signer) Sign(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+s.tagSize)
	out = append(out, payload...)
	return append(out, s.mac(payload)...)
}

// Verify checks the trailing tag of msg and returns the payload before it.
func (s *Signer) Verify(msg []byte) ([]byte, error) {
	if len(msg) < s.tagSize {
		return nil, errors.Wrapf(ErrAuthentication, "message of %d bytes shorter than tag", len(msg))
	}
	n := len(msg) - s.tagSize
	payload, tag := msg[:n], msg[n:]
	if !cmac.Equal(tag, s.mac(payload)) {
		return nil, ErrAuthentication
	}
	return payload, nil
}

// VerifyingHandler strips and checks the tag of every message before passing
// it to next. Messages failing verification go to errs, which may be nil.
func VerifyingHandler(s *Signer, next tp.MessageHandler, errs tp.ErrorHandler) tp.MessageHandler {
	return tp.MessageHandlerFunc(func(ch *tp.Channel, sender tp.Address, payload []byte) {
		plain, err := s.Verify(payload)
		if err != nil {
			if errs != nil {
				errs.HandleError(ch, errors.Wrapf(err, "message from %s", sender))
			}
			return
		}
		next.HandleMessage(ch, sender, plain)
	})
}
