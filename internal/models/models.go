package models

// All lists every table owned or read by the realtime service, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Conversation{},
		&ConversationParticipant{},
		&DirectMessage{},
		&GroupChat{},
		&GroupParticipant{},
		&GroupMessage{},
		&MessageAttachment{},
		&Notification{},
	}
}
