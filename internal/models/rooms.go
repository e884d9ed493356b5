package models

// Room keys are opaque strings to the hub; the kind tag is prepended here so
// every caller composes them the same way.

func OrderRoom(orderID string) string             { return "order-" + orderID }
func DeliveryRoom(deliveryID string) string       { return "delivery-" + deliveryID }
func NegotiationRoom(negotiationID string) string { return "negotiation-" + negotiationID }
func UserRoom(userID string) string               { return "user-" + userID }
func VehicleRoom(vehicleType string) string       { return "vehicle-" + vehicleType }
