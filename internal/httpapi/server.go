// Package httpapi exposes the realtime websocket endpoint and the small
// internal HTTP surface (delivery completion, payment release, health,
// metrics) in front of the coordination core.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/agrilink/internal/hub"
	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/negotiation"
	"github.com/example/agrilink/internal/relay"
	"github.com/example/agrilink/internal/routing"
	"github.com/example/agrilink/internal/settlement"
	"github.com/example/agrilink/internal/storage"
	"github.com/example/agrilink/internal/wallet"
)

type Server struct {
	logger  *slog.Logger
	hub     *hub.Hub
	relay   *relay.Relay
	channel *negotiation.Channel
	engine  *settlement.Engine
	ledger  *wallet.Ledger
	store   storage.Store
	routes  *routing.Service
	mux     *mux.Router
}

func NewServer(logger *slog.Logger, h *hub.Hub, r *relay.Relay, ch *negotiation.Channel, eng *settlement.Engine, led *wallet.Ledger, store storage.Store, routes *routing.Service) *Server {
	s := &Server{
		logger:  logger,
		hub:     h,
		relay:   r,
		channel: ch,
		engine:  eng,
		ledger:  led,
		store:   store,
		routes:  routes,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/internal/deliveries/{id}/complete", s.handleCompleteDelivery).Methods("POST")
	s.mux.HandleFunc("/internal/orders/{id}/release-payment", s.handleReleasePayment).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and services it with a single reader
// loop, so events from one connection are processed strictly in arrival
// order. Handlers for different connections run concurrently.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	connID := newID()
	s.hub.Add(connID, conn)
	defer s.hub.Disconnect(connID)

	ctx := context.Background()
	for {
		var in inboundEvent
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "conn", connID, "error", err)
			}
			return
		}
		s.dispatch(ctx, connID, in)
	}
}

type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type identifyPayload struct {
	UserID string `json:"userId"`
}

type orderRoomPayload struct {
	OrderID string `json:"orderId"`
}

type vehicleRoomPayload struct {
	VehicleType string `json:"vehicleType"`
}

type negotiationRoomPayload struct {
	NegotiationID string `json:"negotiationId"`
}

type locationPayload struct {
	DeliveryID string  `json:"deliveryId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

type chatMessagePayload struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

type chatOfferPayload struct {
	ChatID   string  `json:"chatId"`
	SenderID string  `json:"senderId"`
	Amount   float64 `json:"amount"`
}

func (s *Server) dispatch(ctx context.Context, connID string, in inboundEvent) {
	switch in.Event {
	case models.EventIdentify:
		var p identifyPayload
		if decode(s, connID, in.Data, &p) && p.UserID != "" {
			s.hub.Identify(connID, p.UserID)
		}
	case models.EventJoinOrderRoom:
		var p orderRoomPayload
		if decode(s, connID, in.Data, &p) && p.OrderID != "" {
			s.hub.Join(connID, models.OrderRoom(p.OrderID))
		}
	case models.EventLeaveOrderRoom:
		var p orderRoomPayload
		if decode(s, connID, in.Data, &p) {
			s.hub.Leave(connID, models.OrderRoom(p.OrderID))
		}
	case models.EventJoinVehicleRoom:
		var p vehicleRoomPayload
		if decode(s, connID, in.Data, &p) && p.VehicleType != "" {
			s.hub.Join(connID, models.VehicleRoom(p.VehicleType))
		}
	case models.EventJoinNegotiation:
		var p negotiationRoomPayload
		if decode(s, connID, in.Data, &p) {
			_ = s.channel.Join(ctx, connID, p.NegotiationID)
		}
	case models.EventLeaveNegotiation:
		var p negotiationRoomPayload
		if decode(s, connID, in.Data, &p) {
			s.channel.LeaveRoom(connID, p.NegotiationID)
		}
	case models.EventSendLocation:
		var p locationPayload
		if decode(s, connID, in.Data, &p) {
			s.relay.Report(ctx, connID, p.DeliveryID, p.Lat, p.Lng)
		}
	case models.EventSendMessage:
		var p chatMessagePayload
		if decode(s, connID, in.Data, &p) {
			_ = s.channel.SendMessage(ctx, connID, p.ChatID, p.SenderID, p.Text)
		}
	case models.EventSendOffer:
		var p chatOfferPayload
		if decode(s, connID, in.Data, &p) {
			_ = s.channel.SendOffer(ctx, connID, p.ChatID, p.SenderID, p.Amount)
		}
	default:
		s.hub.SendTo(connID, models.EventError, models.ErrorEvent{Message: "unknown event: " + in.Event})
	}
}

func decode(s *Server, connID string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		s.hub.SendTo(connID, models.EventError, models.ErrorEvent{Message: "malformed payload"})
		return false
	}
	return true
}

// handleCompleteDelivery is the inbound collaborator surface: the order
// service calls it when a transporter marks a delivery done. The delivery is
// flipped to COMPLETED and settlement is triggered synchronously.
func (s *Server) handleCompleteDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, err := s.store.GetDelivery(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "delivery not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	// Deliveries priced before a route was known get a distance estimate
	// now, so settlement has something to compute from.
	if d.DistanceKm == 0 && s.routes != nil && (d.Pickup != d.Dropoff) {
		est := s.routes.Route(r.Context(), d.Pickup, d.Dropoff)
		if est.DistanceMeters > 0 {
			if err := s.store.UpdateDeliveryDistance(r.Context(), id, est.DistanceMeters/1000); err != nil {
				s.logger.Warn("distance update failed", "delivery", id, "error", err)
			}
		}
	}

	if d.Status != models.StatusCompleted {
		if err := s.store.UpdateDeliveryStatus(r.Context(), id, models.StatusCompleted); err != nil {
			http.Error(w, "status update failed", http.StatusInternalServerError)
			return
		}
	}

	res, err := s.engine.Settle(r.Context(), id)
	s.relay.Forget(id)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case err == nil && res != nil:
		_ = json.NewEncoder(w).Encode(map[string]any{"earning": res.Earning, "credited": res.Credited})
	case err == nil:
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "settlement precondition failed"})
	case settlement.Retryable(err):
		// A background retry is already scheduled.
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "retry scheduled"})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error()})
	}
}

type releasePaymentRequest struct {
	BuyerID  string  `json:"buyerId"`
	FarmerID string  `json:"farmerId"`
	Amount   float64 `json:"amount"`
}

// handleReleasePayment moves escrowed order money from the buyer's wallet to
// the farmer's. Both legs are internal ledger entries.
func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	var req releasePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BuyerID == "" || req.FarmerID == "" || req.Amount <= 0 {
		http.Error(w, "buyerId, farmerId and a positive amount are required", http.StatusBadRequest)
		return
	}

	if _, err := s.ledger.Debit(r.Context(), req.BuyerID, req.Amount, "Order payment release", orderID); err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			http.Error(w, "insufficient balance", http.StatusConflict)
			return
		}
		http.Error(w, "debit failed", http.StatusInternalServerError)
		return
	}
	if _, err := s.ledger.Credit(r.Context(), req.FarmerID, req.Amount, "Order payment received", orderID); err != nil {
		s.logger.Error("payment release credit failed after debit", "order", orderID, "error", err)
		http.Error(w, "credit failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"released": req.Amount})
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
