package accessory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// HTTPLink talks to an unencrypted HAP-JSON gateway over HTTP. Push
// notifications arrive through a server-sent event stream.
type HTTPLink struct {
	baseURL string
	http    *resty.Client
	stream  *EventStream
}

type accessoriesResponse struct {
	Accessories []Accessory `json:"accessories"`
}

type characteristicStatus struct {
	AID    int64 `json:"aid"`
	IID    int64 `json:"iid"`
	Value  any   `json:"value,omitempty"`
	Status int   `json:"status,omitempty"`
}

type characteristicsBody struct {
	Characteristics []characteristicStatus `json:"characteristics"`
}

type subscription struct {
	AID int64 `json:"aid"`
	IID int64 `json:"iid"`
	Ev  bool  `json:"ev"`
}

// NewHTTPLink creates a link to the gateway at baseURL.
func NewHTTPLink(baseURL string, timeout time.Duration, streamConfig EventStreamConfig) *HTTPLink {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/hap+json, application/json")

	l := &HTTPLink{baseURL: baseURL, http: client}
	l.stream = NewEventStream(baseURL, streamConfig)
	return l
}

// Address returns the gateway base URL.
func (l *HTTPLink) Address() string {
	return l.baseURL
}

// Accessories implements Link.
func (l *HTTPLink) Accessories(ctx context.Context) ([]Accessory, error) {
	var out accessoriesResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/accessories")
	if err != nil {
		return nil, fmt.Errorf("failed to list accessories: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to list accessories: status %d", resp.StatusCode())
	}
	return out.Accessories, nil
}

// GetCharacteristics implements Link.
func (l *HTTPLink) GetCharacteristics(ctx context.Context, keys []Key) (map[Key]any, error) {
	if len(keys) == 0 {
		return map[Key]any{}, nil
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.String()
	}

	var out characteristicsBody
	resp, err := l.http.R().
		SetContext(ctx).
		SetQueryParam("id", strings.Join(ids, ",")).
		SetResult(&out).
		SetError(&out).
		Get("/characteristics")
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristics: %w", err)
	}
	// 207 carries per-characteristic status; successful entries are still usable
	if resp.IsError() {
		return nil, fmt.Errorf("failed to read characteristics: status %d", resp.StatusCode())
	}

	values := make(map[Key]any, len(out.Characteristics))
	for _, c := range out.Characteristics {
		if c.Status != 0 || c.Value == nil {
			continue
		}
		values[Key{AID: c.AID, IID: c.IID}] = c.Value
	}
	return values, nil
}

// PutCharacteristics implements Link.
func (l *HTTPLink) PutCharacteristics(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	body := characteristicsBody{Characteristics: make([]characteristicStatus, len(writes))}
	for i, w := range writes {
		body.Characteristics[i] = characteristicStatus{AID: w.AID, IID: w.IID, Value: w.Value}
	}
	return l.put(ctx, body, "write characteristics")
}

// Subscribe implements Link.
func (l *HTTPLink) Subscribe(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	subs := make([]subscription, len(keys))
	for i, k := range keys {
		subs[i] = subscription{AID: k.AID, IID: k.IID, Ev: true}
	}
	if err := l.put(ctx, map[string]any{"characteristics": subs}, "subscribe"); err != nil {
		return err
	}
	log.Info().Int("characteristics", len(keys)).Msg("Subscribed to push notifications")
	return nil
}

func (l *HTTPLink) put(ctx context.Context, body any, what string) error {
	var out characteristicsBody
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/hap+json").
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Put("/characteristics")
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to %s: status %d", what, resp.StatusCode())
	}
	for _, c := range out.Characteristics {
		if c.Status != 0 {
			return fmt.Errorf("failed to %s: characteristic %d.%d status %d", what, c.AID, c.IID, c.Status)
		}
	}
	return nil
}

// Listen implements Link.
func (l *HTTPLink) Listen(ctx context.Context, handler func([]Update)) error {
	return l.stream.Run(ctx, handler)
}
