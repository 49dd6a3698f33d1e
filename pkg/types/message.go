package types

import "time"

// SourceIdentity names a remote target discovered on the network.
// It is created on the first accepted datagram from Address and never changes.
type SourceIdentity struct {
	Address   string
	Name      string
	Ordinal   int
	FirstSeen time.Time
}

// PacketEnvelope is the transient per-datagram routing record.
type PacketEnvelope struct {
	SourceName string
	PacketID   string
	Payload    []byte
}

// Message is the unit carried by the bus. Topic and Payload always travel together.
type Message struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// Datagram is a raw packet received from a network source.
type Datagram struct {
	Source  string
	Payload []byte
	Time    time.Time
}
