package interfaces

import "context"

// MessageRouter dispatches client frames. The transport calls it once per
// inbound frame and reports drops through Disconnected.
type MessageRouter interface {
	// RouteMessage decodes and handles one raw client frame. Rejections are
	// reported to the sender as error events; the returned error is for
	// logging only.
	RouteMessage(ctx context.Context, ch Channel, data []byte) error

	// Disconnected is called once when the channel's read side ends.
	Disconnected(ch Channel)
}
