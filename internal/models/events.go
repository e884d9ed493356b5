package models

import "time"

// Event names on the realtime surface. Inbound names are matched in the ws
// read loop; outbound names are what clients subscribe to.
const (
	EventIdentify         = "identify"
	EventJoinOrderRoom    = "join-order-room"
	EventLeaveOrderRoom   = "leave-order-room"
	EventJoinVehicleRoom  = "join-vehicle-room"
	EventJoinNegotiation  = "join-negotiation"
	EventLeaveNegotiation = "leave-negotiation"
	EventSendLocation     = "sendLocation"
	EventSendMessage      = "negotiation:send-message"
	EventSendOffer        = "negotiation:send-offer"

	EventLocationUpdate     = "locationUpdate"
	EventNegotiationMessage = "negotiation:message"
	EventEarningsUpdated    = "earnings:updated"
	EventNotification       = "notification"
	EventPushNotification   = "push:notification"
	EventError              = "error"
)

type LocationUpdate struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	DeliveryID string    `json:"deliveryId"`
	Timestamp  time.Time `json:"timestamp"`
}

type EarningsUpdate struct {
	Earning  *Earning `json:"earning"`
	Credited bool     `json:"credited"`
}

type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
