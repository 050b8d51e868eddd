package models

// -----------------------------------------------------------------------------
// Client commands (viewer -> hub, JSON over the websocket)
// -----------------------------------------------------------------------------

const (
	CmdSubscribeMarathon      = "subscribe_marathon"
	CmdUnsubscribeMarathon    = "unsubscribe_marathon"
	CmdSubscribeParticipant   = "subscribe_participant"
	CmdUnsubscribeParticipant = "unsubscribe_participant"
	CmdSubscribeSelf          = "subscribe_self"
	CmdUnsubscribeSelf        = "unsubscribe_self"
)

type MClientCommand struct {
	Command       string `json:"command"`
	MarathonID    int64  `json:"marathonId,omitempty"`
	ParticipantID int64  `json:"participantId,omitempty"`
}

// -----------------------------------------------------------------------------
// Server events (hub -> viewer)
// -----------------------------------------------------------------------------

const (
	EventMarathonParticipantsUpdate = "marathon_participants_update"
	EventParticipantAnalysis        = "participant_analysis"
	EventMyLiveAnalysis             = "my_live_analysis"
	EventMyLivePositionsUpdate      = "my_live_positions_update"
	EventMyLiveOrdersUpdate         = "my_live_orders_update"
	EventSubscribed                 = "subscribed"
	EventUnsubscribed               = "unsubscribed"
	EventError                      = "error"
)

// MServerEvent is the envelope for every outbound websocket message.
type MServerEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// -----------------------------------------------------------------------------
// Event payloads
// -----------------------------------------------------------------------------

// MParticipantDiff carries only the vitals that changed since the previous
// flush for one participant. Nil pointers are omitted from the JSON body.
type MParticipantDiff struct {
	ParticipantID int64    `json:"participantId"`
	Balance       *float64 `json:"balance,omitempty"`
	Equity        *float64 `json:"equity,omitempty"`
	Profit        *float64 `json:"profit,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

type MMarathonUpdate struct {
	MarathonID   int64              `json:"marathonId"`
	Participants []MParticipantDiff `json:"participants"`
}

// MParticipantState is the non-diffed one-shot state pushed to a new
// marathon-level subscriber.
type MParticipantState struct {
	ParticipantID int64   `json:"participantId"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Profit        float64 `json:"profit"`
	Timestamp     int64   `json:"timestamp"`
}

type MMarathonState struct {
	MarathonID   int64               `json:"marathonId"`
	Participants []MParticipantState `json:"participants"`
}

type MAnalysisEvent struct {
	ParticipantID int64      `json:"participantId"`
	Data          *MAnalysis `json:"data"`
}

type MArraysUpdate struct {
	MarathonID    int64                    `json:"marathonId"`
	ParticipantID int64                    `json:"participantId"`
	Positions     []map[string]interface{} `json:"positions,omitempty"`
	Orders        []map[string]interface{} `json:"orders,omitempty"`
	Timestamp     int64                    `json:"timestamp"`
}

type MSubscriptionAck struct {
	Type          string `json:"type"`
	MarathonID    int64  `json:"marathonId,omitempty"`
	ParticipantID int64  `json:"participantId,omitempty"`
}

type MErrorEvent struct {
	Message string `json:"message"`
}
