package model

// Channel names a notification destination. Transports map channels onto
// their own addressing (NATS subjects, webhooks).
type Channel string

const (
	// ChannelAdmin is the direct admin review queue.
	ChannelAdmin Channel = "admin"
	// ChannelAdminBroadcast fans background-change reviews out to every admin.
	ChannelAdminBroadcast Channel = "admin.broadcast"
	// ChannelAdminRestricted only reaches the restricted admin list; shadow-flagged content goes here.
	ChannelAdminRestricted Channel = "admin.restricted"
	// ChannelOperators receives expirations and dead-letter alerts.
	ChannelOperators Channel = "operators"
	// ChannelExpirations carries one ExpirationEvent per forced expiry.
	ChannelExpirations Channel = "expirations"
)

// Operator alert kinds.
const (
	AlertExpired    = "approval_expired"
	AlertDeadLetter = "dead_letter"
)
