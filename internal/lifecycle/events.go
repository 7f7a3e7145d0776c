package lifecycle

const (
	EventPresenceConnected    = "presence:connected"
	EventPresenceDisconnected = "presence:disconnected"
	EventCallLeft             = "call:left"
	EventCallEnded            = "call:ended"
)

func userConnectedEvent(userID string) string {
	return "presence:" + userID + ":connected"
}

func userDisconnectedEvent(userID string) string {
	return "presence:" + userID + ":disconnected"
}
