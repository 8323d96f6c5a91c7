package schema

import (
	"fmt"
	"slices"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a collection document. Path is the
// document path; Channel and Segment locate the issue inside the collection
// when it belongs to a channel.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Channel  string             `json:"channel,omitempty"`
	Segment  *int               `json:"segment,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// Where names the channel and segment of the issue, or its document path.
func (i ValidationIssue) Where() string {
	switch {
	case i.Channel != "" && i.Segment != nil:
		return fmt.Sprintf("%s segment %d", i.Channel, *i.Segment)
	case i.Channel != "":
		return i.Channel
	}
	return i.Path
}

// ValidationResult collects the issues found in one collection document.
type ValidationResult struct {
	Collection string            `json:"collection,omitempty"`
	Errors     []ValidationIssue `json:"errors,omitempty"`
	Warnings   []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends a document-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a document-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Channel scopes new issues to the channel at position index of the
// document, named name.
func (r *ValidationResult) Channel(index int, name string) IssueScope {
	return IssueScope{r: r, path: fmt.Sprintf("channels[%d]", index), channel: name, segment: -1}
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if r.Collection == "" {
		r.Collection = other.Collection
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FailingChannels returns the sorted names of channels with at least one
// error.
func (r *ValidationResult) FailingChannels() []string {
	var out []string
	for _, is := range r.Errors {
		if is.Channel != "" && !slices.Contains(out, is.Channel) {
			out = append(out, is.Channel)
		}
	}
	slices.Sort(out)
	return out
}

// ToError converts an invalid result to a ChanopsError naming the first
// failing channel, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.Segment != nil {
		msg = fmt.Sprintf("segment %d: %s", *first.Segment, msg)
	}
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, n-1)
	}

	err := NewError(ErrCodeValidation, msg)
	if first.Channel != "" {
		path := first.Channel
		if r.Collection != "" {
			path = r.Collection + "/" + path
		}
		err.WithChannel(path)
	}
	details := map[string]any{"errors": r.Errors}
	if failing := r.FailingChannels(); len(failing) > 0 {
		details["channels"] = failing
	}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	return err.WithDetails(details)
}

// IssueScope adds issues located in one channel, or in one of its segments.
type IssueScope struct {
	r       *ValidationResult
	path    string
	channel string
	segment int
}

// Segment narrows the scope to segment j of the channel.
func (s IssueScope) Segment(j int) IssueScope {
	s.path = fmt.Sprintf("%s.segments[%d]", s.path, j)
	s.segment = j
	return s
}

// Error records an error on field (empty for the scope itself).
func (s IssueScope) Error(field, code, message string) {
	s.r.Errors = append(s.r.Errors, s.issue(field, code, message, SeverityError))
}

// Warning records a warning on field (empty for the scope itself).
func (s IssueScope) Warning(field, code, message string) {
	s.r.Warnings = append(s.r.Warnings, s.issue(field, code, message, SeverityWarning))
}

func (s IssueScope) issue(field, code, message string, sev ValidationSeverity) ValidationIssue {
	is := ValidationIssue{Path: s.path, Channel: s.channel, Code: code, Message: message, Severity: sev}
	if field != "" {
		is.Path += "." + field
	}
	if s.segment >= 0 {
		j := s.segment
		is.Segment = &j
	}
	return is
}
