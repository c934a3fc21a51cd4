package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"

	"github.com/mr-tron/base58"
)

// CreateKeypair generates a keypair for alg (only ed25519 is
// implemented), stores it as a "keypair" KeyEntry whose ident is the
// base58-encoded public key, and returns that ident. seed, if exactly
// 32 bytes, makes generation deterministic; otherwise key material is
// random (spec.md section 4.G).
func (sess *Session) CreateKeypair(ctx context.Context, alg KeyAlg, metadata string, seed []byte, tags []Tag) (string, error) {
	if alg != KeyAlgED25519 {
		return "", newErr(KindUnsupported, "key algorithm %q is not implemented", alg)
	}

	var pub ed25519.PublicKey
	var prv ed25519.PrivateKey
	if len(seed) == ed25519.SeedSize {
		prv = ed25519.NewKeyFromSeed(seed)
		pub = prv.Public().(ed25519.PublicKey)
	} else {
		var err error
		pub, prv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", wrapErr(KindBackend, err, "generate ed25519 keypair")
		}
	}

	ident := base58.Encode(pub)
	entry := KeyEntry{
		Category: KeyCategoryKeypair,
		Ident:    ident,
		Params: KeyParams{
			Alg:    alg,
			PubKey: []byte(pub),
			PrvKey: NewSecret(prv),
		},
		Tags: tags,
	}
	if metadata != "" {
		entry.Params.Metadata = &metadata
	}
	defer entry.Params.Zeroize()

	e, err := entry.toEntry()
	if err != nil {
		emitKeypairCreated(ctx, "")
		return "", err
	}
	if err := sess.Update(ctx, OpInsert, e); err != nil {
		return "", err
	}
	emitKeypairCreated(ctx, ident)
	return ident, nil
}

// FetchKey returns the KeyEntry stored under category/ident, or
// ok=false if none exists. forUpdate takes a row lock in a
// transactional session.
func (sess *Session) FetchKey(ctx context.Context, category KeyCategory, ident string, forUpdate bool) (KeyEntry, bool, error) {
	e, err := sess.Fetch(ctx, string(category), ident, forUpdate)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return KeyEntry{}, false, nil
		}
		return KeyEntry{}, false, err
	}
	k, err := keyEntryFromEntry(e)
	if err != nil {
		return KeyEntry{}, false, err
	}
	return k, true, nil
}

// UpdateKey updates a key's metadata and/or tags, never its key
// material. It fails with KindNotFound if no key with that
// category/ident exists.
func (sess *Session) UpdateKey(ctx context.Context, category KeyCategory, ident string, metadata *string, tags []Tag) error {
	existing, ok, err := sess.FetchKey(ctx, category, ident, true)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(KindNotFound, "key %s/%s not found", category, ident)
	}
	if metadata != nil {
		existing.Params.Metadata = metadata
	}
	if tags != nil {
		existing.Tags = tags
	}
	e, err := existing.toEntry()
	if err != nil {
		return err
	}
	return sess.Update(ctx, OpReplace, e)
}

// SignMessage fetches the keypair stored under keyIdent and signs
// message. Only ed25519 keys are supported; others fail with
// KindUnsupported. Non-local keys (an external reference, no key
// material in this store) also fail with KindUnsupported, since no
// external key-management backend exists in this core.
func (sess *Session) SignMessage(ctx context.Context, keyIdent string, message []byte) ([]byte, error) {
	k, ok, err := sess.FetchKey(ctx, KeyCategoryKeypair, keyIdent, false)
	if err != nil {
		emitMessageSigned(ctx, keyIdent, err)
		return nil, err
	}
	if !ok {
		err := newErr(KindNotFound, "keypair %q not found", keyIdent)
		emitMessageSigned(ctx, keyIdent, err)
		return nil, err
	}
	if !k.IsLocal() {
		err := newErr(KindUnsupported, "keypair %q is an external reference, cannot sign locally", keyIdent)
		emitMessageSigned(ctx, keyIdent, err)
		return nil, err
	}
	if k.Params.Alg != KeyAlgED25519 {
		err := newErr(KindUnsupported, "key algorithm %q is not implemented", k.Params.Alg)
		emitMessageSigned(ctx, keyIdent, err)
		return nil, err
	}
	sig := ed25519.Sign(ed25519.PrivateKey(k.Params.PrvKey.Bytes()), message)
	emitMessageSigned(ctx, keyIdent, nil)
	return sig, nil
}
