package wire

// RegisterTCP is sent server -> client immediately after accept, assigning
// the connection its id.
type RegisterTCP struct {
	ConnectionID int32
}

// RegisterUDP is sent client -> server over UDP to bind a datagram source
// address to a pending TCP connection, and echoed server -> client over TCP
// as acknowledgement once the bind succeeds.
type RegisterUDP struct {
	ConnectionID int32
}

// KeepAlive is a periodic, empty TCP filler sent while a connection is
// otherwise idle.
type KeepAlive struct{}

// Ping is a latency probe. A Ping with IsReply=false is auto-replied by the
// dispatcher; a Ping with IsReply=true updates the sender's round-trip time.
type Ping struct {
	ID      int32
	IsReply bool
}

// DiscoverHost is a UDP broadcast asking any server on the local network to
// identify itself. The reply payload is defined by the discovery-handler
// collaborator, not by this package.
type DiscoverHost struct{}
