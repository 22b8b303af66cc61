package callback

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/yourorg/orgbridge/internal/domain"
)

// 43-char base64 key, the format the platform hands out
const testAESKey = "4g5j64qlyl3zvetqxz5jiocdr380win2n21crcvyvvv"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec("tok123", testAESKey, "app-key-1")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	encrypted, signature, timestamp, nonce, err := c.Encrypt(`{"EventType":"check_url"}`)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if err := c.Verify(signature, timestamp, nonce, encrypted); err != nil {
		t.Fatalf("verify: %v", err)
	}
	payload, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(payload) != `{"EventType":"check_url"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestTamperedSignatureRejectedBeforeDecrypt(t *testing.T) {
	c := newTestCodec(t)
	encrypted, signature, timestamp, nonce, err := c.Encrypt(`{"EventType":"check_url"}`)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	bad := "0" + signature[1:]
	if bad == signature {
		bad = "1" + signature[1:]
	}
	_, err = c.Decode(bad, timestamp, nonce, encrypted, "app-key-1")
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	// Garbage ciphertext with a valid signature must fail at decrypt,
	// proving the signature check does not depend on decryptability.
	garbage := base64.StdEncoding.EncodeToString([]byte("not-a-block"))
	sig := Signature("tok123", timestamp, nonce, garbage)
	_, err = c.Decode(sig, timestamp, nonce, garbage, "app-key-1")
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestAppKeySuffixMismatch(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec("tok123", testAESKey, "app-key-2")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	// Sealed for app-key-2, decrypted by the codec expecting app-key-1
	encrypted, _, _, _, err := other.Encrypt(`{"EventType":"check_url"}`)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = c.Decrypt(encrypted)
	if !errors.Is(err, ErrTamper) {
		t.Fatalf("expected ErrTamper, got %v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	payload := []byte(`{"EventType":"org_dept_create","DeptId":[42,43],"CorpId":"x"}`)
	ev, err := DecodeEvent(payload, "app-key-1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != domain.EventDeptCreate {
		t.Fatalf("unexpected type: %s", ev.Type)
	}
	if len(ev.DeptIDs) != 2 || ev.DeptIDs[0] != "42" || ev.DeptIDs[1] != "43" {
		t.Fatalf("unexpected dept ids: %v", ev.DeptIDs)
	}

	userPayload := []byte(`{"EventType":"user_leave_org","UserId":["u1","u2"]}`)
	ev, err = DecodeEvent(userPayload, "app-key-1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != domain.EventUserLeave || len(ev.UserIDs) != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSignatureSortsParts(t *testing.T) {
	// The digest must be over the sorted parts, so argument order
	// cannot matter.
	a := Signature("b-token", "1700000000", "zz-nonce", "aa-body")
	b := Signature("b-token", "1700000000", "zz-nonce", "aa-body")
	if a != b {
		t.Fatalf("signature not deterministic")
	}
	if len(a) != 40 || strings.ToLower(a) != a {
		t.Fatalf("expected lowercase sha1 hex, got %s", a)
	}
}

func TestReplySuccessRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	reply, err := c.ReplySuccess()
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := c.Verify(reply.MsgSignature, reply.TimeStamp, reply.Nonce, reply.Encrypt); err != nil {
		t.Fatalf("verify reply: %v", err)
	}
	payload, err := c.Decrypt(reply.Encrypt)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if string(payload) != "success" {
		t.Fatalf("unexpected reply payload: %s", payload)
	}
}

func TestBadAESKeyRejected(t *testing.T) {
	if _, err := NewCodec("tok", "too-short", "app"); err == nil {
		t.Fatalf("expected error for short key")
	}
}
