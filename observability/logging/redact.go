package logging

import (
	"log/slog"
	"strconv"
	"strings"
)

// Redacted replaces sensitive values in log output.
const Redacted = "[REDACTED]"

const blobPrefix = 12

// Keys whose values never reach a log sink. Setup masks them at the handler so
// call sites cannot leak payout addresses, transaction blobs or credentials.
var sensitiveKeys = map[string]struct{}{
	"destination":     {},
	"signed_tx":       {},
	"unsigned_tx":     {},
	"cosigned_tx":     {},
	"password":        {},
	"wallet_password": {},
	"authorization":   {},
	"token":           {},
}

// Sensitive reports whether values logged under key are masked.
func Sensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute whose value is masked when key is sensitive.
// Empty values are kept so missing data stays visible.
func MaskField(key, value string) slog.Attr {
	if value == "" || !Sensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}

// Blob logs an opaque multisig or transaction blob as its length and a short
// prefix, which is enough to correlate submissions without dumping key material.
func Blob(key, value string) slog.Attr {
	if len(value) <= blobPrefix {
		return slog.String(key, value)
	}
	return slog.String(key, value[:blobPrefix]+"...("+strconv.Itoa(len(value))+")")
}

func redactAttr(attr slog.Attr) slog.Attr {
	if Sensitive(attr.Key) && attr.Value.Kind() == slog.KindString && attr.Value.String() != "" {
		return slog.String(attr.Key, Redacted)
	}
	return attr
}
