// Package accessory is the boundary to the accessory link: the gateway that
// exposes device characteristics for reading, writing and push notification.
package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dokzlo13/thermd/internal/catalog"
)

// Key addresses one characteristic: accessory id plus instance id.
type Key struct {
	AID int64 `json:"aid"`
	IID int64 `json:"iid"`
}

// String renders the key as "aid.iid", the form used in read requests.
func (k Key) String() string {
	return strconv.FormatInt(k.AID, 10) + "." + strconv.FormatInt(k.IID, 10)
}

// ParseKey parses the "aid.iid" form.
func ParseKey(s string) (Key, error) {
	a, i, ok := strings.Cut(s, ".")
	if !ok {
		return Key{}, fmt.Errorf("invalid characteristic key %q", s)
	}
	aid, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid aid in %q: %w", s, err)
	}
	iid, err := strconv.ParseInt(i, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid iid in %q: %w", s, err)
	}
	return Key{AID: aid, IID: iid}, nil
}

// Update is a pushed or polled characteristic value. Value is the raw
// decoded JSON value and may be nil.
type Update struct {
	Key
	Value any `json:"value"`
}

// Write is a value to store on a characteristic.
type Write struct {
	Key
	Value any `json:"value"`
}

// Permissions reported by the gateway.
const (
	PermRead   = "pr"
	PermWrite  = "pw"
	PermNotify = "ev"
)

// Characteristic is one value slot of a service.
type Characteristic struct {
	IID    int64    `json:"iid"`
	Type   string   `json:"type"`
	Perms  []string `json:"perms"`
	Format string   `json:"format,omitempty"`
	Value  any      `json:"value,omitempty"`
}

// Can reports whether the characteristic carries a permission.
func (c Characteristic) Can(perm string) bool {
	for _, p := range c.Perms {
		if p == perm {
			return true
		}
	}
	return false
}

// Service groups characteristics.
type Service struct {
	IID             int64            `json:"iid"`
	Type            string           `json:"type"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Accessory is one paired device as seen through the gateway.
type Accessory struct {
	AID      int64     `json:"aid"`
	Services []Service `json:"services"`
}

// Info is the identity block of an accessory.
type Info struct {
	Serial       string
	Name         string
	Model        string
	Manufacturer string
}

// Info extracts the accessory information service values.
func (a Accessory) Info() Info {
	var info Info
	for _, s := range a.Services {
		if catalog.Normalize(s.Type) != catalog.ServiceAccessoryInformation {
			continue
		}
		for _, c := range s.Characteristics {
			v, _ := c.Value.(string)
			switch catalog.Normalize(c.Type) {
			case catalog.CharSerialNumber:
				info.Serial = v
			case catalog.CharName:
				info.Name = v
			case catalog.CharModel:
				info.Model = v
			case catalog.CharManufacturer:
				info.Manufacturer = v
			}
		}
	}
	return info
}

// HasService reports whether the accessory exposes a service type.
func (a Accessory) HasService(uuid string) bool {
	want := catalog.Normalize(uuid)
	for _, s := range a.Services {
		if catalog.Normalize(s.Type) == want {
			return true
		}
	}
	return false
}

// Link is the accessory-link collaborator. Implementations must be safe for
// concurrent use.
type Link interface {
	// Accessories lists every accessory with its services.
	Accessories(ctx context.Context) ([]Accessory, error)
	// Subscribe enables push notifications for the given characteristics.
	Subscribe(ctx context.Context, keys []Key) error
	// GetCharacteristics reads current values. Characteristics that return
	// no value are absent from the result.
	GetCharacteristics(ctx context.Context, keys []Key) (map[Key]any, error)
	// PutCharacteristics writes values.
	PutCharacteristics(ctx context.Context, writes []Write) error
	// Listen delivers push notifications to handler until ctx is done or the
	// link gives up.
	Listen(ctx context.Context, handler func([]Update)) error
}

// Numeric converts a raw characteristic value to float64. Booleans map to
// 0 and 1.
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
