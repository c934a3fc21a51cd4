package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// Envelope is the JWE-compact-like authenticated/anonymous encrypted
// message format (spec.md section 4.G): one payload, encrypted once
// under a random content-encryption key, wrapped separately per
// recipient so the same packed message can target many verkeys.
type Envelope struct {
	Protected  string               `json:"protected"`
	Recipients []EnvelopeRecipient  `json:"recipients"`
	IV         string               `json:"iv"`
	CipherText string               `json:"ciphertext"`
}

// EnvelopeRecipient wraps the content-encryption key under one
// recipient's X25519 key, derived from their ed25519 verkey.
type EnvelopeRecipient struct {
	EncryptedKey string           `json:"encrypted_key"`
	Header       EnvelopeRecipientHeader `json:"header"`
}

// EnvelopeRecipientHeader carries what a recipient needs to recover
// the CEK, and, for authcrypt, the sender's identity.
type EnvelopeRecipientHeader struct {
	KID       string `json:"kid"`
	EphemPub  string `json:"epk"`
	IV        string `json:"iv"`
	Sender    string `json:"sender,omitempty"`
	SenderIV  string `json:"sender_iv,omitempty"`
}

type protectedHeader struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	Enc string `json:"enc"`
}

const (
	envelopeAlgAuthcrypt = "authcrypt"
	envelopeAlgAnoncrypt = "anoncrypt"
	envelopeEnc          = "xchacha20poly1305_ietf"
)

// PackMessage encrypts plaintext for every verkey in recipients, each
// independently able to decrypt it. If senderKeyIdent is non-empty the
// envelope authenticates the sender (authcrypt); otherwise it is
// anonymous (anoncrypt). Fails with KindInput if recipients is empty.
func (sess *Session) PackMessage(ctx context.Context, recipients []string, senderKeyIdent string, plaintext []byte) ([]byte, error) {
	if len(recipients) == 0 {
		err := newErr(KindInput, "pack_message requires at least one recipient")
		emitMessagePacked(ctx, 0, err)
		return nil, err
	}

	var senderXPriv *[32]byte
	var senderVerkey string
	if senderKeyIdent != "" {
		k, ok, err := sess.FetchKey(ctx, KeyCategoryKeypair, senderKeyIdent, false)
		if err != nil {
			emitMessagePacked(ctx, len(recipients), err)
			return nil, err
		}
		if !ok || !k.IsLocal() || k.Params.Alg != KeyAlgED25519 {
			err := newErr(KindUnsupported, "sender key %q is not a local ed25519 keypair", senderKeyIdent)
			emitMessagePacked(ctx, len(recipients), err)
			return nil, err
		}
		x := edPrivateKeyToX25519(ed25519.PrivateKey(k.Params.PrvKey.Bytes()))
		senderXPriv = &x
		senderVerkey = senderKeyIdent
	}

	var cek [32]byte
	if _, err := rand.Read(cek[:]); err != nil {
		err = wrapErr(KindBackend, err, "generate content encryption key")
		emitMessagePacked(ctx, len(recipients), err)
		return nil, err
	}
	var payloadNonce [24]byte
	if _, err := rand.Read(payloadNonce[:]); err != nil {
		err = wrapErr(KindBackend, err, "generate payload nonce")
		emitMessagePacked(ctx, len(recipients), err)
		return nil, err
	}
	payloadAEAD, err := chacha20poly1305.NewX(cek[:])
	if err != nil {
		err = wrapErr(KindUnexpected, err, "construct payload aead")
		emitMessagePacked(ctx, len(recipients), err)
		return nil, err
	}
	ciphertext := payloadAEAD.Seal(nil, payloadNonce[:], plaintext, nil)

	envRecipients := make([]EnvelopeRecipient, 0, len(recipients))
	for _, verkey := range recipients {
		rec, err := sealRecipient(verkey, cek, senderXPriv, senderVerkey)
		if err != nil {
			emitMessagePacked(ctx, len(recipients), err)
			return nil, err
		}
		envRecipients = append(envRecipients, rec)
	}

	alg := envelopeAlgAnoncrypt
	if senderXPriv != nil {
		alg = envelopeAlgAuthcrypt
	}
	protected, err := json.Marshal(protectedHeader{Typ: "JWM/1.0", Alg: alg, Enc: envelopeEnc})
	if err != nil {
		err = wrapErr(KindUnexpected, err, "marshal envelope header")
		emitMessagePacked(ctx, len(recipients), err)
		return nil, err
	}

	env := Envelope{
		Protected:  base64.RawURLEncoding.EncodeToString(protected),
		Recipients: envRecipients,
		IV:         base64.RawURLEncoding.EncodeToString(payloadNonce[:]),
		CipherText: base64.RawURLEncoding.EncodeToString(ciphertext),
	}
	out, err := json.Marshal(env)
	if err != nil {
		err = wrapErr(KindUnexpected, err, "marshal envelope")
		emitMessagePacked(ctx, len(recipients), err)
		return nil, err
	}
	emitMessagePacked(ctx, len(recipients), nil)
	return out, nil
}

func sealRecipient(verkey string, cek [32]byte, senderXPriv *[32]byte, senderVerkey string) (EnvelopeRecipient, error) {
	recipXPub, err := verkeyToX25519Pub(verkey)
	if err != nil {
		return EnvelopeRecipient{}, err
	}

	ephemPub, ephemPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EnvelopeRecipient{}, wrapErr(KindBackend, err, "generate ephemeral key")
	}
	if senderXPriv != nil {
		// Authcrypt: the sender's own X25519 key takes the ephemeral
		// key's place, so both the key wrap and the sender field are
		// sealed under (sender, recipient).
		senderXPub, err := verkeyToX25519Pub(senderVerkey)
		if err != nil {
			return EnvelopeRecipient{}, err
		}
		ephemPub, ephemPriv = &senderXPub, senderXPriv
	}
	var keyNonce [24]byte
	if _, err := rand.Read(keyNonce[:]); err != nil {
		return EnvelopeRecipient{}, wrapErr(KindBackend, err, "generate key-wrap nonce")
	}
	encKey := box.Seal(nil, cek[:], &keyNonce, &recipXPub, ephemPriv)

	hdr := EnvelopeRecipientHeader{
		KID:      verkey,
		EphemPub: base64.RawURLEncoding.EncodeToString(ephemPub[:]),
		IV:       base64.RawURLEncoding.EncodeToString(keyNonce[:]),
	}

	if senderXPriv != nil {
		var senderNonce [24]byte
		if _, err := rand.Read(senderNonce[:]); err != nil {
			return EnvelopeRecipient{}, wrapErr(KindBackend, err, "generate sender nonce")
		}
		encSender := box.Seal(nil, []byte(senderVerkey), &senderNonce, &recipXPub, senderXPriv)
		hdr.Sender = base64.RawURLEncoding.EncodeToString(encSender)
		hdr.SenderIV = base64.RawURLEncoding.EncodeToString(senderNonce[:])
	}

	return EnvelopeRecipient{
		EncryptedKey: base64.RawURLEncoding.EncodeToString(encKey),
		Header:       hdr,
	}, nil
}

// UnpackMessage decrypts packed against the local keypairs held by
// this session's profile, trying each recipient entry whose kid
// matches a key this store owns. It returns the plaintext, the
// matching recipient verkey, and (for authcrypt) the sender's verkey.
// Fails with KindEncryption if no recipient matches or authentication
// fails.
func (sess *Session) UnpackMessage(ctx context.Context, packed []byte) (plaintext []byte, recipientVerkey string, senderVerkey *string, err error) {
	var env Envelope
	if err := json.Unmarshal(packed, &env); err != nil {
		e := wrapErr(KindEncryption, err, "malformed envelope")
		emitMessageUnpacked(ctx, e)
		return nil, "", nil, e
	}

	for _, rec := range env.Recipients {
		k, ok, ferr := sess.FetchKey(ctx, KeyCategoryKeypair, rec.Header.KID, false)
		if ferr != nil || !ok || !k.IsLocal() || k.Params.Alg != KeyAlgED25519 {
			continue
		}
		recipXPriv := edPrivateKeyToX25519(ed25519.PrivateKey(k.Params.PrvKey.Bytes()))

		cek, sender, uerr := unsealRecipient(rec, &recipXPriv)
		if uerr != nil {
			continue
		}

		payloadNonce, perr := decodeB64(env.IV)
		if perr != nil {
			e := wrapErr(KindEncryption, perr, "malformed payload iv")
			emitMessageUnpacked(ctx, e)
			return nil, "", nil, e
		}
		ciphertext, perr := decodeB64(env.CipherText)
		if perr != nil {
			e := wrapErr(KindEncryption, perr, "malformed ciphertext")
			emitMessageUnpacked(ctx, e)
			return nil, "", nil, e
		}
		payloadAEAD, aerr := chacha20poly1305.NewX(cek[:])
		if aerr != nil {
			e := wrapErr(KindUnexpected, aerr, "construct payload aead")
			emitMessageUnpacked(ctx, e)
			return nil, "", nil, e
		}
		out, oerr := payloadAEAD.Open(nil, payloadNonce, ciphertext, nil)
		if oerr != nil {
			e := newErr(KindEncryption, "envelope payload authentication failed")
			emitMessageUnpacked(ctx, e)
			return nil, "", nil, e
		}
		emitMessageUnpacked(ctx, nil)
		return out, rec.Header.KID, sender, nil
	}

	e := newErr(KindEncryption, "no recipient in envelope matches a local key")
	emitMessageUnpacked(ctx, e)
	return nil, "", nil, e
}

func unsealRecipient(rec EnvelopeRecipient, recipXPriv *[32]byte) (cek [32]byte, senderVerkey *string, err error) {
	ephemPub, err := decodeB64(rec.Header.EphemPub)
	if err != nil {
		return cek, nil, err
	}
	keyNonce, err := decodeB64(rec.Header.IV)
	if err != nil {
		return cek, nil, err
	}
	encKey, err := decodeB64(rec.EncryptedKey)
	if err != nil {
		return cek, nil, err
	}
	var ephemPubFixed [32]byte
	copy(ephemPubFixed[:], ephemPub)
	var keyNonceFixed [24]byte
	copy(keyNonceFixed[:], keyNonce)

	plain, ok := box.Open(nil, encKey, &keyNonceFixed, &ephemPubFixed, recipXPriv)
	if !ok || len(plain) != 32 {
		return cek, nil, newErr(KindEncryption, "key-wrap authentication failed")
	}
	copy(cek[:], plain)

	if rec.Header.Sender == "" {
		return cek, nil, nil
	}
	encSender, err := decodeB64(rec.Header.Sender)
	if err != nil {
		return cek, nil, err
	}
	senderNonce, err := decodeB64(rec.Header.SenderIV)
	if err != nil {
		return cek, nil, err
	}
	var senderNonceFixed [24]byte
	copy(senderNonceFixed[:], senderNonce)
	senderPlain, ok := box.Open(nil, encSender, &senderNonceFixed, &ephemPubFixed, recipXPriv)
	if !ok {
		return cek, nil, newErr(KindEncryption, "sender authentication failed")
	}
	sv := string(senderPlain)
	if spub, err := verkeyToX25519Pub(sv); err != nil || spub != ephemPubFixed {
		return cek, nil, newErr(KindEncryption, "sender verkey does not match the key-wrap key")
	}
	return cek, &sv, nil
}

func decodeB64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func verkeyToX25519Pub(verkey string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(verkey)
	if err != nil {
		return out, wrapErr(KindInput, err, "recipient verkey must be base58")
	}
	if len(raw) != ed25519.PublicKeySize {
		return out, newErr(KindInput, "recipient verkey must decode to %d bytes", ed25519.PublicKeySize)
	}
	return edPublicKeyToX25519(ed25519.PublicKey(raw)), nil
}

// Curve25519 field prime 2^255 - 19.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// edPublicKeyToX25519 converts an Ed25519 (Edwards) public key to its
// birationally equivalent X25519 (Montgomery) public key: u = (1+y) /
// (1-y) mod p, where y is the Edwards public key's y-coordinate.
func edPublicKeyToX25519(pub ed25519.PublicKey) [32]byte {
	yBytes := make([]byte, 32)
	copy(yBytes, pub)
	yBytes[31] &= 0x7f // clear the sign bit, which encodes x's parity, not y

	y := leBytesToBig(yBytes)
	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)
	denomInv := new(big.Int).ModInverse(denominator, fieldPrime)

	u := new(big.Int).Mul(numerator, denomInv)
	u.Mod(u, fieldPrime)

	var out [32]byte
	bigToLEBytes(u, out[:])
	return out
}

// edPrivateKeyToX25519 derives the Curve25519 private scalar from an
// Ed25519 private key's seed: SHA-512(seed), take the low 32 bytes,
// clamp per RFC 7748 section 5. This reconstructs the same scalar
// Ed25519 signing already derives internally, so it needs no separate
// secret.
func edPrivateKeyToX25519(priv ed25519.PrivateKey) [32]byte {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

func leBytesToBig(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, c := range b {
		rev[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(rev)
}

func bigToLEBytes(x *big.Int, out []byte) {
	be := x.Bytes()
	for i, c := range be {
		out[len(be)-1-i] = c
	}
	for i := len(be); i < len(out); i++ {
		out[i] = 0
	}
}
