package ussd

// Metrics receives router events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	MessageDispatched(kind, method string)
	ResponseSent(code int)
	CreationFailed(reason string)
}

type nopMetrics struct{}

func (nopMetrics) MessageDispatched(string, string) {}
func (nopMetrics) ResponseSent(int)                 {}
func (nopMetrics) CreationFailed(string)            {}
