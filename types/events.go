package types

// Inbound event names the chat handler dispatches on.
const (
	EventPostMessage         = "chat_postMessage"
	EventEnterRoom           = "chat_enterRoom"
	EventExitRoom            = "chat_exitRoom"
	EventAddOccupantToRoom   = "chat_addOccupantToRoom"
	EventMakeModerated       = "chat_makeModerated"
	EventApproveMessages     = "chat_approveMessages"
	EventFlagMessagesToUsers = "chat_flagMessagesToUsers"
	EventShadowUsers         = "chat_shadowUsers"
	EventSetPresence         = "chat_setPresence"
)

// Outbound event names sent to clients.
const (
	EventEnteredRoom              = "chat_enteredRoom"
	EventExitedRoom               = "chat_exitedRoom"
	EventFailedToEnterRoom        = "chat_failedToEnterRoom"
	EventRecvMessage              = "chat_recvMessage"
	EventRecvMessageForModeration = "chat_recvMessageForModeration"
	EventRecvMessageForShadow     = "chat_recvMessageForShadow"
	EventRecvMessageForAttention  = "chat_recvMessageForAttention"
	EventRoomMembershipChanged    = "chat_roomMembershipChanged"
	EventRoomModerationChanged    = "chat_roomModerationChanged"
	EventPresenceOfUserChangedTo  = "chat_presenceOfUserChangedTo"
	EventNoticeIncomingChange     = "data_noticeIncomingChange"
)
