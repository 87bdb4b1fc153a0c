package capability

import (
	"github.com/martinemde/capabot/conversation"
)

// Result is the outcome of dispatching a call. Exactly one of Data and Err is
// set. Attachment, when present, is surfaced to the user and ends the run.
type Result struct {
	Success    bool
	Data       any
	Err        *Error
	Attachment *conversation.Attachment
}

// Succeeded wraps handler output.
func Succeeded(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Failed builds a failed result of the given kind.
func Failed(kind Kind, cause error) *Result {
	return &Result{Err: &Error{Kind: kind, Cause: cause}}
}

// WithAttachment returns a copy of r carrying attachment.
func (r *Result) WithAttachment(a *conversation.Attachment) *Result {
	out := *r
	out.Attachment = a
	return &out
}

// empty reports whether a successful result carries nothing worth showing.
func (r *Result) empty() bool {
	if r.Attachment != nil {
		return false
	}
	switch v := r.Data.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	}
	return false
}
