package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"drone-telemetry/internal/api"
	"drone-telemetry/internal/database"
	"drone-telemetry/internal/events"
	"drone-telemetry/internal/models"
	"drone-telemetry/internal/mqtt"
	"drone-telemetry/internal/stream"
	"drone-telemetry/pkg/config"
)

// sinkSet holds the optional external consumers of one process. Each is
// enabled by its configuration and failures to reach one are logged, not fatal.
type sinkSet struct {
	consumer *events.Dispatcher
	mqtt     *mqtt.Client
	db       *database.ClickHouseDB
	hub      *stream.Hub
	servers  []*http.Server
}

func startSinks(ctx context.Context, cfg *config.Config) *sinkSet {
	s := &sinkSet{consumer: events.NewDispatcher(events.DefaultQueueSize)}

	if cfg.MQTTBroker != "" {
		client, err := mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			log.Printf("Warning: %v, MQTT disabled", err)
		} else {
			s.mqtt = client
			publisher := mqtt.NewPublisher(client.GetNativeClient(), mqtt.PublisherConfig{
				ReportTopic:  cfg.MQTTTopicReport,
				AnomalyTopic: cfg.MQTTTopicAnomaly,
				StatusTopic:  cfg.MQTTTopicStatus,
			})
			s.consumer.Subscribe(publisher)
			go publisher.Start(ctx)
		}
	}

	if cfg.ClickHouseAddr != "" {
		db, err := database.NewClickHouseDB(cfg.ClickHouseAddr, cfg.ClickHouseDB, cfg.ClickHouseUser, cfg.ClickHousePass)
		if err != nil {
			log.Printf("Warning: %v, persistence disabled", err)
		} else {
			s.db = db
			s.consumer.Subscribe(db)
			go db.Start(ctx)
		}
	}

	if cfg.HTTPAddr != "" {
		s.hub = stream.NewHub()
		s.consumer.Subscribe(s.hub)
		go s.hub.Run(ctx)
	}

	go s.consumer.Run(ctx)
	return s
}

// subscribeReadings feeds readings published on the broker into submit
func (s *sinkSet) subscribeReadings(cfg *config.Config, submit func(models.SensorReading) bool) {
	if s.mqtt == nil {
		log.Println("Warning: MQTT reading ingest requested but no broker is connected")
		return
	}
	sub := mqtt.NewSubscriber(s.mqtt.GetNativeClient(), mqtt.SubscriberConfig{ReadingTopic: cfg.MQTTTopicReadings}, submit)
	subscribe := func() {
		if err := sub.SubscribeAll(); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
	s.mqtt.OnConnect(subscribe)
	subscribe()
}

// serveHTTP exposes /metrics, /status, /ws and the control endpoints on addr
func (s *sinkSet) serveHTTP(ctx context.Context, addr string, tier api.Tier, status func() interface{}, drone api.DroneControls) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.SetupRouter(api.NewHandler(tier, status, s.hub, drone)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.servers = append(s.servers, srv)

	go func() {
		log.Printf("HTTP: serving /metrics, /status and /ws on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func (s *sinkSet) close() {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}
