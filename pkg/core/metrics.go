package core

// MetricsRecorder receives counters from the routing path.
// Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	DatagramReceived(listener string, size int)
	DatagramDropped(listener, reason string)
	SocketError(listener string)
	SourceDiscovered(name string)
	MessagePublished(source, packetID string)
	MessageDropped(prefix string)
}

type noopRecorder struct{}

func (noopRecorder) DatagramReceived(string, int)    {}
func (noopRecorder) DatagramDropped(string, string)  {}
func (noopRecorder) SocketError(string)              {}
func (noopRecorder) SourceDiscovered(string)         {}
func (noopRecorder) MessagePublished(string, string) {}
func (noopRecorder) MessageDropped(string)           {}

// NoopRecorder discards every measurement.
func NoopRecorder() MetricsRecorder { return noopRecorder{} }
