package vault

import "github.com/zoobzio/sentinel"

// KeyAlg identifies a key algorithm. Only KeyAlgED25519 is implemented;
// other values round-trip through storage but fail sign/create with a
// KindUnsupported error.
type KeyAlg string

// Known key algorithms.
const (
	KeyAlgED25519 KeyAlg = "ed25519"
)

// KeyCategory identifies what a KeyEntry's value holds.
type KeyCategory string

// Known key categories.
const (
	KeyCategoryPublic  KeyCategory = "public"
	KeyCategoryKeypair KeyCategory = "keypair"
)

// WrapKeyMethodKind identifies how a store's wrap key is derived.
type WrapKeyMethodKind string

// Known wrap-key methods.
const (
	WrapKeyMethodNone  WrapKeyMethodKind = "none"
	WrapKeyMethodRaw   WrapKeyMethodKind = "raw"
	WrapKeyMethodKDF   WrapKeyMethodKind = "kdf:argon2i"
)

// Argon2Cost selects the cost profile for kdf:argon2i[:mod].
type Argon2Cost string

// Known argon2i cost profiles.
const (
	Argon2CostInteractive Argon2Cost = "int"
	Argon2CostModerate    Argon2Cost = "mod"
)

// FilterOp identifies a tag-filter predicate operator's surface syntax key.
type FilterOp string

// Known tag-filter operators (spec.md section 4.D).
const (
	OpAnd    FilterOp = "$and"
	OpOr     FilterOp = "$or"
	OpNot    FilterOp = "$not"
	OpEq     FilterOp = "$eq"
	OpNeq    FilterOp = "$neq"
	OpGt     FilterOp = "$gt"
	OpGte    FilterOp = "$gte"
	OpLt     FilterOp = "$lt"
	OpLte    FilterOp = "$lte"
	OpLike   FilterOp = "$like"
	OpIn     FilterOp = "$in"
	OpNin    FilterOp = "$nin"
	OpExist  FilterOp = "$exist"
)

var validKeyAlgos = map[KeyAlg]bool{
	KeyAlgED25519: true,
}

var validWrapMethods = map[WrapKeyMethodKind]bool{
	WrapKeyMethodNone: true,
	WrapKeyMethodRaw:  true,
	WrapKeyMethodKDF:  true,
}

var validFilterOps = map[FilterOp]bool{
	OpAnd: true, OpOr: true, OpNot: true,
	OpEq: true, OpNeq: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpLike: true, OpIn: true, OpNin: true, OpExist: true,
}

// IsValidKeyAlg returns true if alg is a known, implemented key algorithm.
func IsValidKeyAlg(alg KeyAlg) bool {
	return validKeyAlgos[alg]
}

// IsValidWrapMethod returns true if kind is a known wrap-key method.
func IsValidWrapMethod(kind WrapKeyMethodKind) bool {
	return validWrapMethods[kind]
}

// IsValidFilterOp returns true if op is a known tag-filter operator.
func IsValidFilterOp(op FilterOp) bool {
	return validFilterOps[op]
}

func init() {
	// Register the vault's capability identifiers so embedders can
	// introspect what a given build supports without re-deriving it
	// from parsed strings.
	sentinel.Tag("key.alg.ed25519")
	sentinel.Tag("wrap.method.none")
	sentinel.Tag("wrap.method.raw")
	sentinel.Tag("wrap.method.kdf.argon2i")
	sentinel.Tag("filter.op.and")
	sentinel.Tag("filter.op.or")
	sentinel.Tag("filter.op.not")
	sentinel.Tag("filter.op.eq")
	sentinel.Tag("filter.op.neq")
	sentinel.Tag("filter.op.gt")
	sentinel.Tag("filter.op.gte")
	sentinel.Tag("filter.op.lt")
	sentinel.Tag("filter.op.lte")
	sentinel.Tag("filter.op.like")
	sentinel.Tag("filter.op.in")
	sentinel.Tag("filter.op.nin")
	sentinel.Tag("filter.op.exist")
}
