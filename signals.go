package vault

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
)

// Signals for store/session/scan/key lifecycle events. The core never
// writes to stdout/stderr directly; an embedder's diagnostic sink
// subscribes to these instead (spec.md section 4.E "logging/tracing
// sinks" are external collaborators).
var (
	SignalStoreProvisioned = capitan.NewSignal("vault.store.provisioned", "Store provisioned")
	SignalStoreOpened      = capitan.NewSignal("vault.store.opened", "Store opened")
	SignalStoreClosed      = capitan.NewSignal("vault.store.closed", "Store closed")
	SignalStoreRekeyed     = capitan.NewSignal("vault.store.rekeyed", "Store wrap key rotated")
	SignalSessionStart     = capitan.NewSignal("vault.session.start", "Session started")
	SignalSessionClose     = capitan.NewSignal("vault.session.close", "Session closed")
	SignalScanBorrow       = capitan.NewSignal("vault.scan.borrow", "Scan borrowed")
	SignalScanRelease      = capitan.NewSignal("vault.scan.release", "Scan released")
	SignalKeypairCreated   = capitan.NewSignal("vault.keys.created", "Keypair created")
	SignalMessageSigned    = capitan.NewSignal("vault.keys.signed", "Message signed")
	SignalMessagePacked    = capitan.NewSignal("vault.keys.packed", "Message packed")
	SignalMessageUnpacked  = capitan.NewSignal("vault.keys.unpacked", "Message unpacked")
)

// Keys for typed event data.
var (
	KeyProfile   = capitan.NewStringKey("profile")
	KeySpecURI   = capitan.NewStringKey("spec_uri")
	KeyHandle    = capitan.NewIntKey("handle")
	KeyDuration  = capitan.NewDurationKey("duration")
	KeyError     = capitan.NewErrorKey("error")
	KeyCommitted = capitan.NewStringKey("outcome")
	KeyKeyIdent  = capitan.NewStringKey("ident")
)

func emitStoreProvisioned(ctx context.Context, specURI, defaultProfile string) {
	capitan.Emit(ctx, SignalStoreProvisioned,
		KeySpecURI.Field(specURI),
		KeyProfile.Field(defaultProfile),
	)
}

func emitStoreOpened(ctx context.Context, specURI string, handle uint64) {
	capitan.Emit(ctx, SignalStoreOpened,
		KeySpecURI.Field(specURI),
		KeyHandle.Field(int(handle)),
	)
}

func emitStoreClosed(ctx context.Context, handle uint64, err error) {
	fields := []capitan.Field{KeyHandle.Field(int(handle))}
	if err != nil {
		capitan.Error(ctx, SignalStoreClosed, append(fields, KeyError.Field(err))...)
		return
	}
	capitan.Emit(ctx, SignalStoreClosed, fields...)
}

func emitStoreRekeyed(ctx context.Context, handle uint64, duration time.Duration, err error) {
	fields := []capitan.Field{KeyHandle.Field(int(handle)), KeyDuration.Field(duration)}
	if err != nil {
		capitan.Error(ctx, SignalStoreRekeyed, append(fields, KeyError.Field(err))...)
		return
	}
	capitan.Emit(ctx, SignalStoreRekeyed, fields...)
}

func emitSessionStart(ctx context.Context, handle uint64, profile string, transaction bool) {
	outcome := "session"
	if transaction {
		outcome = "transaction"
	}
	capitan.Emit(ctx, SignalSessionStart,
		KeyHandle.Field(int(handle)),
		KeyProfile.Field(profile),
		KeyCommitted.Field(outcome),
	)
}

func emitSessionClose(ctx context.Context, handle uint64, committed bool, err error) {
	outcome := "commit"
	if !committed {
		outcome = "rollback"
	}
	fields := []capitan.Field{KeyHandle.Field(int(handle)), KeyCommitted.Field(outcome)}
	if err != nil {
		capitan.Error(ctx, SignalSessionClose, append(fields, KeyError.Field(err))...)
		return
	}
	capitan.Emit(ctx, SignalSessionClose, fields...)
}

func emitScanBorrow(ctx context.Context, handle uint64, err error) {
	fields := []capitan.Field{KeyHandle.Field(int(handle))}
	if err != nil {
		capitan.Error(ctx, SignalScanBorrow, append(fields, KeyError.Field(err))...)
		return
	}
	capitan.Emit(ctx, SignalScanBorrow, fields...)
}

func emitScanRelease(ctx context.Context, handle uint64) {
	capitan.Emit(ctx, SignalScanRelease, KeyHandle.Field(int(handle)))
}

func emitKeypairCreated(ctx context.Context, ident string) {
	capitan.Emit(ctx, SignalKeypairCreated, KeyKeyIdent.Field(ident))
}

func emitMessageSigned(ctx context.Context, ident string, err error) {
	fields := []capitan.Field{KeyKeyIdent.Field(ident)}
	if err != nil {
		capitan.Error(ctx, SignalMessageSigned, append(fields, KeyError.Field(err))...)
		return
	}
	capitan.Emit(ctx, SignalMessageSigned, fields...)
}

func emitMessagePacked(ctx context.Context, recipients int, err error) {
	fields := []capitan.Field{capitan.NewIntKey("recipients").Field(recipients)}
	if err != nil {
		capitan.Error(ctx, SignalMessagePacked, append(fields, KeyError.Field(err))...)
		return
	}
	capitan.Emit(ctx, SignalMessagePacked, fields...)
}

func emitMessageUnpacked(ctx context.Context, err error) {
	if err != nil {
		capitan.Error(ctx, SignalMessageUnpacked, KeyError.Field(err))
		return
	}
	capitan.Emit(ctx, SignalMessageUnpacked)
}
