package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/domain"
	"github.com/cattlefeed/ingest/internal/logger"
	"github.com/cattlefeed/ingest/internal/metrics"
	"github.com/cattlefeed/ingest/internal/session"
)

// SampleHandler receives each decoded telemetry sample, per spec.md §4.C8 —
// implemented by *session.Machine in production.
type SampleHandler interface {
	HandleSample(ctx context.Context, s session.Sample) error
}

// envelope is the wire shape of one telemetry message, per spec.md §6:
// {id, rfid, w, temp, ip, ts}.
type envelope struct {
	ID   string   `json:"id"`
	RFID string   `json:"rfid"`
	W    *float64 `json:"w"`
	Temp *float64 `json:"temp"`
	IP   string   `json:"ip"`
	TS   string   `json:"ts"`
}

// Subscriber maintains a durable MQTT subscription to the telemetry topic
// prefix, decoding each message and handing it to the session machine and
// the write-behind buffer, per spec.md §4.C8.
type Subscriber struct {
	client      mqtt.Client
	topicPrefix string
	handler     SampleHandler
	buffer      *Buffer
	clk         clock.Clock
	met         *metrics.Metrics
}

// SetMetrics wires m in to record ingested/dropped sample counts. Optional.
func (s *Subscriber) SetMetrics(m *metrics.Metrics) {
	s.met = m
}

// NewSubscriber builds a paho client configured with a bounded reconnect
// backoff (>= 5s between attempts, per spec.md §4.C8) and a disconnect
// handler that flushes the buffer to bound loss.
func NewSubscriber(host string, port int, topicPrefix string, handler SampleHandler, buffer *Buffer, clk clock.Clock) *Subscriber {
	s := &Subscriber{topicPrefix: topicPrefix, handler: handler, buffer: buffer, clk: clk}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", host, port))
	opts.SetClientID("cattlefeed-ingest")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, flushing buffer before reconnect", "error", err)
		if flushErr := buffer.Flush(context.Background()); flushErr != nil {
			logger.Error("buffer flush on disconnect failed", "error", flushErr)
		}
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(topicPrefix, 1, s.onMessage); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topic", topicPrefix, "error", token.Error())
		}
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect blocks until the initial connection attempt completes.
func (s *Subscriber) Connect() error {
	token := s.client.Connect()
	token.Wait()
	return token.Error()
}

// Close flushes the buffer and disconnects, per spec.md §5's cancellation
// table entry for the subscriber task.
func (s *Subscriber) Close() {
	s.client.Disconnect(250)
	if err := s.buffer.Flush(context.Background()); err != nil {
		logger.Error("final buffer flush on close failed", "error", err)
	}
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	sample, raw, ok := decodePayload(msg.Payload(), s.clk.Now())
	if !ok {
		logger.Warn("discarding unparseable mqtt payload", "topic", msg.Topic())
		if s.met != nil {
			s.met.SamplesDropped.Inc()
		}
		return
	}
	if s.met != nil {
		s.met.SamplesIngested.Inc()
	}

	ctx := context.Background()
	if err := s.handler.HandleSample(ctx, sample); err != nil {
		logger.Warn("session handler failed for sample", "device_id", sample.DeviceID, "error", err)
	}

	s.buffer.Add(raw)
}

// decodePayload decodes one telemetry message per spec.md §6/§4.C8's
// envelope contract, substituting now for a missing or unparseable ts. ok
// is false only when the payload is not valid JSON or lacks a device id.
func decodePayload(payload []byte, now time.Time) (session.Sample, domain.RawSample, bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return session.Sample{}, domain.RawSample{}, false
	}
	if env.ID == "" {
		return session.Sample{}, domain.RawSample{}, false
	}

	instant := now
	if env.TS != "" {
		if parsed, err := time.Parse(time.RFC3339, env.TS); err == nil {
			instant = parsed
		} else {
			logger.Warn("unparseable ts, using server time", "device_id", env.ID, "ts", env.TS)
		}
	}

	var weight float64
	if env.W != nil {
		weight = *env.W
	}
	temp := nullFloat(env.Temp)

	sample := session.Sample{
		DeviceID:    env.ID,
		Tag:         env.RFID,
		Weight:      weight,
		Temperature: temp,
		Instant:     instant,
	}
	raw := domain.RawSample{
		Instant:     instant,
		DeviceID:    env.ID,
		Tag:         nullString(env.RFID),
		Weight:      weight,
		Temperature: temp,
		Address:     env.IP,
	}
	return sample, raw, true
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
