package catalog

import "fmt"

// MaxReportedErrors bounds the number of messages kept in an ErrorList.
const MaxReportedErrors = 100

// ErrorList accumulates human readable per-item failures for a batch result.
// Past MaxReportedErrors only the count keeps growing.
type ErrorList struct {
	messages []string
	dropped  int
}

// Add records "<key>: <reason>".
func (l *ErrorList) Add(key string, err error) {
	l.Addf("%s: %v", key, err)
}

// Addf records a formatted message.
func (l *ErrorList) Addf(format string, args ...any) {
	if len(l.messages) >= MaxReportedErrors {
		l.dropped++
		return
	}
	l.messages = append(l.messages, fmt.Sprintf(format, args...))
}

// Len returns the total number of recorded failures, including dropped ones.
func (l *ErrorList) Len() int {
	return len(l.messages) + l.dropped
}

// Messages returns the retained messages plus a tail line when some were dropped.
func (l *ErrorList) Messages() []string {
	out := make([]string, 0, len(l.messages)+1)
	out = append(out, l.messages...)
	if l.dropped > 0 {
		out = append(out, fmt.Sprintf("... and %d more", l.dropped))
	}
	return out
}
