package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/agrilink/internal/config"
	"github.com/example/agrilink/internal/models"
	"github.com/example/agrilink/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_messages_consumed_total",
		Help: "Total delivery location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	snapshotWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_snapshot_writes_total",
		Help: "Total successful snapshot writes",
	})
	snapshotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_snapshot_errors_total",
		Help: "Total snapshot write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, snapshotWrites, snapshotErrors)
}

// SnapshotSink is the subset of the location store the consumer needs; tests
// swap in a fake.
type SnapshotSink interface {
	SaveLocation(ctx context.Context, snap models.LocationSnapshot) error
}

func main() {
	_ = godotenv.Load()

	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	sink := storage.NewRedisLocations(redisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	defer sink.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := sink.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", cfg.KafkaTopic, brokers, cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var snap models.LocationSnapshot
		if err := json.Unmarshal(m.Value, &snap); err != nil || snap.DeliveryID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := saveSnapshotWithRetry(ctx, sink, snap, 3, 200*time.Millisecond); err != nil {
			snapshotErrors.Inc()
			log.Printf("snapshot write failed for delivery=%s: %v", snap.DeliveryID, err)
			continue
		}
		snapshotWrites.Inc()
	}
}

// saveSnapshotWithRetry writes the snapshot with bounded retry and doubling
// backoff; kafka redelivery covers anything that still fails.
func saveSnapshotWithRetry(ctx context.Context, sink SnapshotSink, snap models.LocationSnapshot, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.SaveLocation(ctx, snap); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}
