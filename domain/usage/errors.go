package usage

// ValidationError reports a malformed event, filter or delete option.
// Validation failures surface immediately to the caller and are never buffered.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}
