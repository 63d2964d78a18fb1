/*Package registry provides the persistent device registry of the garden
platform, keyed by serial number, plus the per-account claimed-garden sets.

Device records are created lazily on first token issuance and never
deleted. All documents are validated against JSON schemas before they
are written.
*/
package registry

import (
	_ "embed"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/verdant-tech/gardenauth/core/schema"
	"github.com/verdant-tech/gardenauth/store"
)

//go:embed schemas/garden_device.json
var deviceSchema string

//go:embed schemas/account_claims.json
var accountSchema string

const (
	deviceSchemaID  = "https://verdant-tech.com/schemas/garden_device.json"
	accountSchemaID = "https://verdant-tech.com/schemas/account_claims.json"

	devicePathPrefix  = "garden/"
	accountPathPrefix = "account/"
)

// ErrNoSuchDevice is returned when the addressed device record does not exist.
var ErrNoSuchDevice = errors.New("no such device")

// ErrAlreadyClaimed is returned by Claim when the device is claimed by
// another account.
var ErrAlreadyClaimed = errors.New("device already claimed")

// ErrNotClaimed is returned by Release when the device is not claimed by
// the releasing account.
var ErrNotClaimed = errors.New("device not claimed by this account")

// Device is a device record.
type Device struct {
	// ClaimedBy is the owning account, or empty if the device is unclaimed.
	ClaimedBy string `json:"claimed_by,omitempty"`
	// Nickname is the label given by the claiming account, unique within
	// that account's devices.
	Nickname string `json:"nickname,omitempty"`
	// LastToken and LastTokenTime record the most recently issued device
	// token. They are always written together.
	LastToken     string `json:"last_token,omitempty"`
	LastTokenTime int64  `json:"last_token_time,omitempty"`
	// LastSyncTime is the unix time of the device's last contact,
	// reported out-of-band over MQTT.
	LastSyncTime int64 `json:"last_sync_time,omitempty"`
}

type accountDocument struct {
	ClaimedGardens []string `json:"claimed_gardens,omitempty"`
}

// Registry is the device registry on top of a document store.
type Registry struct {
	store     store.Driver
	validator *schema.Validator
}

// New creates a registry on the given store.
func New(s store.Driver) *Registry {
	if s == nil {
		panic("store is missing")
	}
	validator, err := schema.NewValidator([]string{deviceSchema, accountSchema}, nil)
	if err != nil {
		panic(err)
	}
	return &Registry{store: s, validator: validator}
}

// Device returns the record for serial, or nil if the device has never
// been seen.
func (r *Registry) Device(serial string) (*Device, error) {
	device := Device{}
	found, err := r.store.Read(devicePathPrefix+serial, &device)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &device, nil
}

// SaveToken records a freshly issued token and its issue time on the
// device record. The record is created if the device was never seen
// before; this is the lazy creation path for new serials.
func (r *Registry) SaveToken(serial, token string, issuedAt time.Time) error {
	return r.store.Update(devicePathPrefix+serial, func(raw json.RawMessage) (interface{}, error) {
		device := Device{}
		if raw != nil {
			if err := json.Unmarshal(raw, &device); err != nil {
				return nil, err
			}
		}
		device.LastToken = token
		device.LastTokenTime = issuedAt.Unix()
		if err := r.validator.ValidateStruct(device, deviceSchemaID); err != nil {
			return nil, err
		}
		return device, nil
	})
}

// TouchSync records a device contact at the given time. The record is
// created if needed, so a device that syncs before its first token
// issuance is not lost.
func (r *Registry) TouchSync(serial string, at time.Time) error {
	return r.store.Update(devicePathPrefix+serial, func(raw json.RawMessage) (interface{}, error) {
		device := Device{}
		if raw != nil {
			if err := json.Unmarshal(raw, &device); err != nil {
				return nil, err
			}
		}
		device.LastSyncTime = at.Unix()
		return device, nil
	})
}

// Claim sets the claim owner and nickname on the device record. The
// ownership check runs inside the store update, so two concurrent claims
// of the same unclaimed device cannot both succeed.
//
// Returns ErrNoSuchDevice if the device was never seen and
// ErrAlreadyClaimed if another account owns it. Claiming a device the
// account already owns updates the nickname.
func (r *Registry) Claim(serial, accountID, nickname string) error {
	return r.store.Update(devicePathPrefix+serial, func(raw json.RawMessage) (interface{}, error) {
		if raw == nil {
			return nil, ErrNoSuchDevice
		}
		device := Device{}
		if err := json.Unmarshal(raw, &device); err != nil {
			return nil, err
		}
		if device.ClaimedBy != "" && device.ClaimedBy != accountID {
			return nil, ErrAlreadyClaimed
		}
		device.ClaimedBy = accountID
		device.Nickname = nickname
		if err := r.validator.ValidateStruct(device, deviceSchemaID); err != nil {
			return nil, err
		}
		return device, nil
	})
}

// Release clears the claim owner and nickname on the device record.
// Returns ErrNoSuchDevice if the device was never seen and ErrNotClaimed
// if the device is not currently claimed by accountID.
func (r *Registry) Release(serial, accountID string) error {
	return r.store.Update(devicePathPrefix+serial, func(raw json.RawMessage) (interface{}, error) {
		if raw == nil {
			return nil, ErrNoSuchDevice
		}
		device := Device{}
		if err := json.Unmarshal(raw, &device); err != nil {
			return nil, err
		}
		if device.ClaimedBy != accountID {
			return nil, ErrNotClaimed
		}
		device.ClaimedBy = ""
		device.Nickname = ""
		return device, nil
	})
}

// ClaimedGardens returns the persisted claimed-garden set of the account.
func (r *Registry) ClaimedGardens(accountID string) ([]string, error) {
	account := accountDocument{}
	_, err := r.store.Read(accountPathPrefix+accountID, &account)
	if err != nil {
		return nil, err
	}
	return account.ClaimedGardens, nil
}

// SetClaimedGardens persists the claimed-garden set of the account. The
// set is the account's custom-claims attribute; tokens issued afterwards
// carry the new set.
func (r *Registry) SetClaimedGardens(accountID string, serials []string) error {
	account := accountDocument{ClaimedGardens: serials}
	if err := r.validator.ValidateStruct(account, accountSchemaID); err != nil {
		return err
	}
	return r.store.Write(accountPathPrefix+accountID, account)
}
