package accessory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// EventStreamConfig contains configuration for event stream reconnection.
type EventStreamConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultEventStreamConfig returns the default reconnect policy.
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0,
	}
}

// EventStream reads characteristic notifications from the gateway's
// server-sent event endpoint.
type EventStream struct {
	http   *resty.Client
	config EventStreamConfig
}

// NewEventStream creates an event stream listener for the gateway at baseURL.
func NewEventStream(baseURL string, config EventStreamConfig) *EventStream {
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &EventStream{
		// No timeout: the stream is a long-lived response
		http:   resty.New().SetBaseURL(baseURL),
		config: config,
	}
}

// Run listens with automatic reconnection until ctx is done.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (e *EventStream) Run(ctx context.Context, handler func([]Update)) error {
	retryCount := 0
	currentBackoff := e.config.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := e.connect(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			retryCount = 0
			currentBackoff = e.config.MinBackoff
		}

		retryCount++
		if e.config.MaxReconnects > 0 && retryCount > e.config.MaxReconnects {
			log.Error().
				Int("max_reconnects", e.config.MaxReconnects).
				Msg("Event stream: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Int("max_reconnects", e.config.MaxReconnects).
			Msg("Event stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		nextBackoff := time.Duration(float64(currentBackoff) * e.config.Multiplier)
		if nextBackoff > e.config.MaxBackoff {
			nextBackoff = e.config.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

// connect reports whether the stream was established before it ended.
func (e *EventStream) connect(ctx context.Context, handler func([]Update)) (bool, error) {
	resp, err := e.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get("/events")
	if err != nil {
		return false, err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	log.Info().Msg("Connected to accessory event stream")

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var dataBuffer strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			continue
		}

		// Empty line marks end of event
		if line == "" {
			if dataBuffer.Len() > 0 {
				e.processEvent(dataBuffer.String(), handler)
				dataBuffer.Reset()
			}
			continue
		}

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			dataBuffer.WriteString(strings.TrimPrefix(data, " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, errors.New("event stream closed by gateway")
}

func (e *EventStream) processEvent(data string, handler func([]Update)) {
	var body struct {
		Characteristics []Update `json:"characteristics"`
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		log.Warn().Err(err).Str("data", data).Msg("Failed to parse event")
		return
	}
	if len(body.Characteristics) == 0 {
		return
	}
	handler(body.Characteristics)
}
