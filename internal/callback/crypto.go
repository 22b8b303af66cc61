package callback

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Callback authentication failures. Always rejected with an error HTTP
// status, never partially processed.
var (
	ErrSignature  = errors.New("callback: signature mismatch")
	ErrDecryption = errors.New("callback: body decryption failed")
	ErrTamper     = errors.New("callback: app identifier mismatch")
)

const randomPrefixLen = 16

// Codec verifies and decodes encrypted callbacks for one application,
// and builds the encrypted acknowledgements the platform expects.
// Stateless beyond the per-app secrets; safe for concurrent use.
type Codec struct {
	token  string
	aesKey []byte
	appKey string
}

// NewCodec builds a codec from the application's callback secrets. The
// AES key arrives as the platform's 43-character base64 string.
func NewCodec(token, encodedAESKey, appKey string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(encodedAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("callback: invalid aes key encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("callback: aes key must decode to 32 bytes, got %d", len(key))
	}
	return &Codec{token: token, aesKey: key, appKey: appKey}, nil
}

// Signature computes the callback signature: SHA1 hex digest over the
// lexicographically sorted concatenation of the four parts.
func Signature(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify checks the supplied signature before anything is decrypted
func (c *Codec) Verify(signature, timestamp, nonce, encrypted string) error {
	expected := Signature(c.token, timestamp, nonce, encrypted)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrSignature
	}
	return nil
}

// Decrypt opens a verified callback body and returns the embedded
// payload. The plaintext layout is: 16 random bytes, a 4-byte
// big-endian payload length, the payload, then the application key.
func (c *Codec) Decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrDecryption
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(plain) < randomPrefixLen+4 {
		return nil, ErrDecryption
	}

	msgLen := binary.BigEndian.Uint32(plain[randomPrefixLen : randomPrefixLen+4])
	end := randomPrefixLen + 4 + int(msgLen)
	if end > len(plain) {
		return nil, ErrDecryption
	}

	if string(plain[end:]) != c.appKey {
		return nil, ErrTamper
	}
	return plain[randomPrefixLen+4 : end], nil
}

// Encrypt seals a payload using the same scheme the platform uses for
// inbound bodies. Returned with a fresh timestamp, nonce and signature
// so the caller can assemble the acknowledgement.
func (c *Codec) Encrypt(payload string) (encrypted, signature, timestamp, nonce string, err error) {
	prefix := make([]byte, randomPrefixLen)
	if _, err = rand.Read(prefix); err != nil {
		return "", "", "", "", fmt.Errorf("callback: %w", err)
	}

	var msgLen [4]byte
	binary.BigEndian.PutUint32(msgLen[:], uint32(len(payload)))

	plain := make([]byte, 0, randomPrefixLen+4+len(payload)+len(c.appKey))
	plain = append(plain, prefix...)
	plain = append(plain, msgLen[:]...)
	plain = append(plain, payload...)
	plain = append(plain, c.appKey...)
	plain = pkcs7Pad(plain, aes.BlockSize)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", "", "", "", fmt.Errorf("callback: %w", err)
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(out, plain)

	encrypted = base64.StdEncoding.EncodeToString(out)
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	nonceBytes := make([]byte, 8)
	if _, err = rand.Read(nonceBytes); err != nil {
		return "", "", "", "", fmt.Errorf("callback: %w", err)
	}
	nonce = hex.EncodeToString(nonceBytes)
	signature = Signature(c.token, timestamp, nonce, encrypted)
	return encrypted, signature, timestamp, nonce, nil
}

// Reply is the encrypted acknowledgement body returned to the platform
type Reply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msg_signature"`
	TimeStamp    string `json:"timeStamp"`
	Nonce        string `json:"nonce"`
}

// ReplySuccess builds the acknowledgement for a processed callback.
// The platform retries delivery unless it receives this within its
// timeout, so processing must stay idempotent.
func (c *Codec) ReplySuccess() (*Reply, error) {
	encrypted, signature, timestamp, nonce, err := c.Encrypt("success")
	if err != nil {
		return nil, err
	}
	return &Reply{
		Encrypt:      encrypted,
		MsgSignature: signature,
		TimeStamp:    timestamp,
		Nonce:        nonce,
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padding := make([]byte, pad)
	for i := range padding {
		padding[i] = byte(pad)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
