// Watermill-based message routing for bus-side consumers (the bridge
// registers one: the parameter-sync watch-health notice fan-out in
// internal/wiring): a Recoverer -> Retry ->
// PoisonQueue middleware chain wraps every handler so a panicking or
// failing consumer never takes the bus down, matching the "handler
// exceptions do not unwind worker threads" propagation policy (spec.md §7).
package bus

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// RouterConfig tunes the watermill middleware chain.
type RouterConfig struct {
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	PoisonQueueTopic     string
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.RetryMaxRetries <= 0 {
		c.RetryMaxRetries = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 2 * time.Second
	}
	if c.PoisonQueueTopic == "" {
		c.PoisonQueueTopic = "bridge.poison"
	}
	return c
}

type watermillLogAdapter struct{}

func (watermillLogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logging.Err(err).Fields(map[string]interface{}(fields)).Msg("bus: " + msg)
}
func (watermillLogAdapter) Info(msg string, fields watermill.LogFields) {
	logging.Info().Fields(map[string]interface{}(fields)).Msg("bus: " + msg)
}
func (watermillLogAdapter) Debug(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(fields)).Msg("bus: " + msg)
}
func (watermillLogAdapter) Trace(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]interface{}(fields)).Msg("bus: " + msg)
}
func (a watermillLogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter { return a }

// Router wraps a watermill message router over an in-process, in-memory
// pub/sub (gochannel), separate from the embedded NATS bus: this is the
// dispatch path for bus-side consumers that live in the same process and
// never need the durability or cross-process delivery NATS provides.
type Router struct {
	router *message.Router
	pubsub *gochannel.GoChannel
	cfg    RouterConfig
}

// NewRouter builds a Router with the Recoverer/Retry/PoisonQueue middleware
// chain pre-configured.
func NewRouter(cfg RouterConfig) (*Router, error) {
	cfg = cfg.withDefaults()
	logAdapter := watermillLogAdapter{}

	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logAdapter)

	r, err := message.NewRouter(message.RouterConfig{}, logAdapter)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "construct watermill router", err)
	}

	poisonMW, err := middleware.PoisonQueue(pubsub, cfg.PoisonQueueTopic)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeInsufficientResources, "construct poison queue middleware", err)
	}

	r.AddMiddleware(
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			Multiplier:      2,
			Logger:          logAdapter,
		}.Middleware,
		poisonMW,
	)

	return &Router{router: r, pubsub: pubsub, cfg: cfg}, nil
}

// AddHandler registers a handler consuming fromTopic and republishing
// whatever it returns to toTopic.
func (r *Router) AddHandler(name, fromTopic, toTopic string, handler message.HandlerFunc) {
	r.router.AddHandler(name, fromTopic, r.pubsub, toTopic, r.pubsub, handler)
}

// AddNoPublisherHandler registers a handler consuming fromTopic with no
// republication, for terminal consumers (e.g. a parameter-sync flush).
func (r *Router) AddNoPublisherHandler(name, fromTopic string, handler message.NoPublishHandlerFunc) {
	r.router.AddNoPublisherHandler(name, fromTopic, r.pubsub, handler)
}

// Publish publishes a raw payload to topic on the in-process pub/sub.
func (r *Router) Publish(topic string, payload []byte) error {
	return r.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Serve blocks serving the router until ctx is cancelled. Implements
// suture.Service so it can be added directly to the supervision tree's bus
// layer.
func (r *Router) Serve(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Close stops the router and the underlying pub/sub.
func (r *Router) Close() error {
	_ = r.router.Close()
	return r.pubsub.Close()
}
