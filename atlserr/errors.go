// Package atlserr defines the structured error taxonomy shared by every
// atls component. All failures that can surface from Connect are wrapped
// in an *Error carrying a Kind and diagnostic fields; none of those
// fields ever hold key material, EKM, or certificate private parts.
package atlserr

import (
	"errors"
	"fmt"
)

// Kind classifies why an aTLS handshake or verification step failed.
type Kind string

const (
	InvalidServerName     Kind = "invalid_server_name"
	TLSHandshake          Kind = "tls_handshake"
	MissingCertificate    Kind = "missing_certificate"
	SubprotocolIO         Kind = "subprotocol_io"
	QuoteParse            Kind = "quote_parse"
	QuoteSignatureInvalid Kind = "quote_signature_invalid"
	PCKChainInvalid       Kind = "pck_chain_invalid"
	CRLInvalid            Kind = "crl_invalid"
	CollateralFetch       Kind = "collateral_fetch"
	TCBInfoError          Kind = "tcb_info_error"
	UnacceptableTCBStatus Kind = "unacceptable_tcb_status"
	GracePeriodExpired    Kind = "grace_period_expired"
	ReportDataMismatch    Kind = "report_data_mismatch"
	EventLogMalformed     Kind = "event_log_malformed"
	BootchainMismatch     Kind = "bootchain_mismatch"
	OsImageMismatch       Kind = "os_image_mismatch"
	AppComposeMismatch    Kind = "app_compose_mismatch"
	Configuration         Kind = "configuration"
)

// Error is the structured error returned by every atls operation that can
// fail. Message, if set, takes precedence over Err.Error() when present;
// this mirrors the teacher's APIError split between a wrapped cause and an
// operator-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Fields  map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, msg, e.Fields)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithField attaches a diagnostic key/value pair and returns the receiver
// for chaining. Never pass private key material, EKM bytes, or certificate
// private-key parts here.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 4)
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
