package bus

// Topic naming is part of the public contract; the front-end subscribes
// by these exact keys.

func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

func MessageStatusTopic(messageID string) string {
	return "message_status:" + messageID
}

func UserTopic(userID string) string {
	return "user:" + userID
}

func SoundTopic(userID string) string {
	return "sound_notifications:" + userID
}

const RoomsTopic = "active_rooms"

// Event names carried on the topics above.
const (
	EvNewMessage          = "new_message"
	EvTypingUsers         = "typing_users"
	EvStatusUpdate        = "status_update"
	EvBulkReadUpdate      = "bulk_read_update"
	EvDesktopNotification = "desktop_notification"
	EvPlayReadSound       = "play_read_sound"
	EvRoomUpdated         = "room_updated"
	EvRoomRemoved         = "room_removed"
)
