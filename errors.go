package mxconnect

import (
	"fmt"

	"github.com/zone-eu/mx-connect/framework/exterrors"
)

// Category classifies a pipeline error so callers can decide whether a
// retry at another layer makes sense.
type Category string

const (
	CategoryDNS     Category = "dns"
	CategoryNetwork Category = "network"
	CategoryPolicy  Category = "policy"
	CategoryDANE    Category = "dane"
)

// Error is the structured error value returned by every stage of the
// pipeline, per the {message, code, category, response, temporary} contract.
type Error struct {
	// Message is a developer-facing description of what went wrong.
	Message string
	// Code is a short machine token (e.g. "ENOTFOUND", "ECONNREFUSED").
	Code string
	// Category places the error in the {dns, network, policy, dane} taxonomy.
	Category Category
	// Response is a human-facing, one-line description suitable for
	// surfacing to an end user or bounce message.
	Response string
	// temporary, when true, signals the failure is worth retrying later.
	temporary bool
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mx-connect: %s: %v", e.Message, e.Err)
	}
	return "mx-connect: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Temporary() bool {
	return e.temporary
}

func (e *Error) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"category": string(e.Category),
	}
	if e.Code != "" {
		fields["code"] = e.Code
	}
	if e.Response != "" {
		fields["response"] = e.Response
	}
	return fields
}

// NewError builds an Error, wrapping cause (if any). temporary is stored
// exactly as given; no per-category default is applied.
func NewError(category Category, code, message string, temporary bool, cause error) *Error {
	return &Error{
		Message:   message,
		Code:      code,
		Category:  category,
		Response:  message,
		temporary: temporary,
		Err:       cause,
	}
}

// WrapDNSError classifies a DNS lookup failure per §4.3/§7: ENODATA and
// ENOTFOUND are "recoverable" (non-temporary, caller should try the next
// fallback or treat as empty), everything else (SERVFAIL, REFUSED, timeouts)
// is non-recoverable and temporary.
func WrapDNSError(name string, err error) *Error {
	if err == nil {
		return nil
	}

	code := "EUNKNOWN"
	temporary := true
	reason, _ := exterrors.UnwrapDNSErr(err)

	if isNotFoundDNS(err) {
		code = "ENOTFOUND"
		temporary = false
	} else if reason != "" {
		code = "ESERVFAIL"
	}

	msg := reason
	if msg == "" {
		msg = err.Error()
	}

	return &Error{
		Message:   fmt.Sprintf("dns lookup for %s failed: %s", name, msg),
		Code:      code,
		Category:  CategoryDNS,
		Response:  "DNS lookup error",
		temporary: temporary,
		Err:       err,
	}
}
