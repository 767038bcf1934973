package conduit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// deviceTokenTTL is how long a one-time onboarding token remains
	// redeemable.
	deviceTokenTTL = 24 * time.Hour
	// deviceOfflineTimeout is the heartbeat silence threshold after which
	// the health sweep flips a device to offline.
	deviceOfflineTimeout = 5 * time.Minute
	// deviceHealthSweepInterval is the health sweep's fixed cadence.
	deviceHealthSweepInterval = 60 * time.Second
)

type deviceRegistryState struct {
	Devices []Device      `json:"devices"`
	Tokens  []DeviceToken `json:"tokens"`
}

// DeviceRegistry owns device lifecycle: onboarding, connection, heartbeat
// tracking, and the periodic offline sweep.
type DeviceRegistry struct {
	path string
	bus  *Broadcaster

	mu      sync.Mutex
	devices map[string]Device
	tokens  map[string]DeviceToken // keyed by hashed token

	stopSweep chan struct{}
}

// NewDeviceRegistry creates a DeviceRegistry backed by path (devices.json).
func NewDeviceRegistry(path string, bus *Broadcaster) *DeviceRegistry {
	return &DeviceRegistry{
		path:    path,
		bus:     bus,
		devices: make(map[string]Device),
		tokens:  make(map[string]DeviceToken),
	}
}

// Load restores devices and tokens from disk.
func (r *DeviceRegistry) Load() error {
	var state deviceRegistryState
	if err := loadJSON(r.path, &state); err != nil {
		return WrapFatal("devicereg.load", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]Device, len(state.Devices))
	for _, d := range state.Devices {
		r.devices[d.ID] = d
	}
	r.tokens = make(map[string]DeviceToken, len(state.Tokens))
	for _, t := range state.Tokens {
		r.tokens[t.HashedToken] = t
	}
	return nil
}

// Create registers a new device in state pending and returns the plaintext
// one-time connection token. The plaintext is never persisted or returned
// again.
func (r *DeviceRegistry) Create(ctx context.Context, name, typeTag string, tags []string) (Device, string, error) {
	plain, err := randomToken()
	if err != nil {
		return Device{}, "", Wrapf(ClassExternal, "devicereg.create", err, "generate token")
	}

	d := Device{
		ID:        NewID(),
		Name:      name,
		Type:      typeTag,
		Tags:      tags,
		State:     DevicePending,
		CreatedAt: NowUnix(),
	}
	tok := DeviceToken{
		HashedToken: hashToken(plain),
		DeviceID:    d.ID,
		ExpiresAt:   NowUnix() + int64(deviceTokenTTL.Seconds()),
	}

	r.mu.Lock()
	r.devices[d.ID] = d
	r.tokens[tok.HashedToken] = tok
	err = r.saveLocked()
	r.mu.Unlock()
	if err != nil {
		return Device{}, "", err
	}

	r.emit(Event{Kind: EventDeviceCreated, DeviceID: d.ID, Timestamp: NowUnix()})
	return d, plain, nil
}

// Connect redeems a plaintext token. Rejects on no match, expired, or
// already-used tokens — a second redemption of any token never promotes a
// device.
func (r *DeviceRegistry) Connect(ctx context.Context, plainToken string, caps map[string]string, hostname string) (Device, error) {
	hashed := hashToken(plainToken)

	r.mu.Lock()
	tok, ok := r.tokens[hashed]
	if !ok {
		r.mu.Unlock()
		return Device{}, NewError(ClassUnauthorized, "devicereg.connect", "unknown token")
	}
	if tok.FirstUsedAt != 0 {
		r.mu.Unlock()
		return Device{}, NewError(ClassUnauthorized, "devicereg.connect", "token already used")
	}
	if NowUnix() > tok.ExpiresAt {
		r.mu.Unlock()
		return Device{}, NewError(ClassUnauthorized, "devicereg.connect", "token expired")
	}

	tok.FirstUsedAt = NowUnix()
	r.tokens[hashed] = tok

	d := r.devices[tok.DeviceID]
	d.Capabilities = caps
	d.Hostname = hostname
	d.State = DeviceOnline
	d.LastSeen = NowUnix()
	r.devices[d.ID] = d

	err := r.saveLocked()
	r.mu.Unlock()
	if err != nil {
		return Device{}, err
	}

	r.emit(Event{Kind: EventDeviceConnected, DeviceID: d.ID, Timestamp: NowUnix()})
	return d, nil
}

// Heartbeat updates last-seen, merges capability/metric updates, and
// flips a previously-offline device back to online.
func (r *DeviceRegistry) Heartbeat(ctx context.Context, deviceID string, capUpdates map[string]string) (Device, error) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return Device{}, NewError(ClassNotFound, "devicereg.heartbeat", "device not found: "+deviceID)
	}
	wasOffline := d.State == DeviceOffline
	d.LastSeen = NowUnix()
	if capUpdates != nil {
		if d.Capabilities == nil {
			d.Capabilities = make(map[string]string)
		}
		for k, v := range capUpdates {
			d.Capabilities[k] = v
		}
	}
	d.State = DeviceOnline
	r.devices[deviceID] = d
	err := r.saveLocked()
	r.mu.Unlock()
	if err != nil {
		return Device{}, err
	}
	if wasOffline {
		r.emit(Event{Kind: EventDeviceOnline, DeviceID: deviceID, Timestamp: NowUnix()})
	}
	return d, nil
}

// Get fetches a device by ID.
func (r *DeviceRegistry) Get(ctx context.Context, id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, NewError(ClassNotFound, "devicereg.get", "device not found: "+id)
	}
	return d, nil
}

// List returns every registered device.
func (r *DeviceRegistry) List(ctx context.Context) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// SetTunnel records the device's out-of-scope tunnel metadata.
func (r *DeviceRegistry) SetTunnel(ctx context.Context, deviceID, tunnelID, credential string) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return NewError(ClassNotFound, "devicereg.settunnel", "device not found: "+deviceID)
	}
	d.TunnelID = tunnelID
	d.TunnelCredential = credential
	r.devices[deviceID] = d
	err := r.saveLocked()
	r.mu.Unlock()
	return err
}

// Delete removes a device and all of its onboarding tokens.
func (r *DeviceRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.devices[id]; !ok {
		r.mu.Unlock()
		return NewError(ClassNotFound, "devicereg.delete", "device not found: "+id)
	}
	delete(r.devices, id)
	for h, t := range r.tokens {
		if t.DeviceID == id {
			delete(r.tokens, h)
		}
	}
	err := r.saveLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.emit(Event{Kind: EventDeviceDeleted, DeviceID: id, Timestamp: NowUnix()})
	return nil
}

// StartHealthSweep launches the periodic offline-detection timer. It runs
// until ctx is cancelled or Stop is called.
func (r *DeviceRegistry) StartHealthSweep(ctx context.Context) {
	r.mu.Lock()
	if r.stopSweep != nil {
		r.mu.Unlock()
		return
	}
	r.stopSweep = make(chan struct{})
	r.mu.Unlock()

	ticker := time.NewTicker(deviceHealthSweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopSweep:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the health sweep goroutine.
func (r *DeviceRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopSweep != nil {
		close(r.stopSweep)
		r.stopSweep = nil
	}
}

func (r *DeviceRegistry) sweep() {
	cutoff := NowUnix() - int64(deviceOfflineTimeout.Seconds())

	var toFlip []string
	r.mu.Lock()
	for id, d := range r.devices {
		if d.State == DeviceOnline && d.LastSeen < cutoff {
			d.State = DeviceOffline
			r.devices[id] = d
			toFlip = append(toFlip, id)
		}
	}
	var err error
	if len(toFlip) > 0 {
		err = r.saveLocked()
	}
	r.mu.Unlock()
	if err != nil {
		return
	}
	for _, id := range toFlip {
		r.emit(Event{Kind: EventDeviceOffline, DeviceID: id, Timestamp: NowUnix()})
	}
}

func (r *DeviceRegistry) saveLocked() error {
	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	toks := make([]DeviceToken, 0, len(r.tokens))
	for _, t := range r.tokens {
		toks = append(toks, t)
	}
	return saveJSON(r.path, deviceRegistryState{Devices: list, Tokens: toks})
}

func (r *DeviceRegistry) emit(ev Event) {
	if r.bus != nil {
		r.bus.Broadcast(ev)
	}
}

func randomToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "dvc_" + hex.EncodeToString(b[:]), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
