package mobile

import (
	"strings"
	"sync"
	"time"
)

// DeviceStatus is the registration outcome reported to a mobile client.
type DeviceStatus string

const (
	DeviceApproved DeviceStatus = "APPROVED"
	DevicePending  DeviceStatus = "PENDING"
	DeviceDenied   DeviceStatus = "DENIED"
)

const defaultPollAfterSeconds = 30

// Device is one registered mobile install.
type Device struct {
	ID           string
	Label        string
	Platform     string
	Model        string
	AppVersion   string
	Status       DeviceStatus
	AgentID      string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// DeviceRegistry tracks known devices. Greenlisted IDs are approved and
// bound to the default agent; denylisted IDs are refused; everything else
// parks in PENDING until an operator moves it to the greenlist. With no
// greenlist configured, enrollment is open: any device not denylisted is
// approved.
type DeviceRegistry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	greenlist map[string]struct{}
	denylist  map[string]struct{}
	pollAfter int
	agentID   string
	nowFunc   func() time.Time
}

// DeviceRegistration is the client-supplied payload.
type DeviceRegistration struct {
	DeviceID   string `json:"deviceId"`
	Label      string `json:"label,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// DeviceDecision is the registration outcome.
type DeviceDecision struct {
	Status           DeviceStatus `json:"status"`
	Message          string       `json:"message,omitempty"`
	PollAfterSeconds int          `json:"pollAfterSeconds,omitempty"`
	Agent            string       `json:"agent,omitempty"`
}

// NewDeviceRegistry seeds a registry. defaultAgentID is handed to approved
// devices so the client knows which agent will answer.
func NewDeviceRegistry(greenlist, denylist []string, pollAfterSeconds int, defaultAgentID string) *DeviceRegistry {
	if pollAfterSeconds <= 0 {
		pollAfterSeconds = defaultPollAfterSeconds
	}
	r := &DeviceRegistry{
		devices:   make(map[string]*Device),
		greenlist: make(map[string]struct{}, len(greenlist)),
		denylist:  make(map[string]struct{}, len(denylist)),
		pollAfter: pollAfterSeconds,
		agentID:   defaultAgentID,
		nowFunc:   time.Now,
	}
	for _, id := range greenlist {
		if id = strings.TrimSpace(id); id != "" {
			r.greenlist[id] = struct{}{}
		}
	}
	for _, id := range denylist {
		if id = strings.TrimSpace(id); id != "" {
			r.denylist[id] = struct{}{}
		}
	}
	return r
}

// Register records (or refreshes) a device and returns its decision.
// Re-registering the same deviceId is idempotent: metadata is updated and
// the current decision returned.
func (r *DeviceRegistry) Register(reg DeviceRegistration) DeviceDecision {
	id := strings.TrimSpace(reg.DeviceID)
	if id == "" {
		return DeviceDecision{Status: DeviceDenied, Message: "deviceId required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	dev, ok := r.devices[id]
	if !ok {
		dev = &Device{ID: id, RegisteredAt: now}
		r.devices[id] = dev
	}
	dev.LastSeenAt = now
	if reg.Label != "" {
		dev.Label = reg.Label
	}
	if reg.Platform != "" {
		dev.Platform = reg.Platform
	}
	if reg.Model != "" {
		dev.Model = reg.Model
	}
	if reg.AppVersion != "" {
		dev.AppVersion = reg.AppVersion
	}

	decision := r.decisionLocked(id)
	dev.Status = decision.Status
	dev.AgentID = decision.Agent
	return decision
}

// Decide computes the decision for a device without recording it. The
// session endpoint uses it to refuse unapproved devices with the same
// payload the register endpoint would return.
func (r *DeviceRegistry) Decide(deviceID string) DeviceDecision {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return DeviceDecision{Status: DeviceDenied, Message: "deviceId required"}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.decisionLocked(id)
}

func (r *DeviceRegistry) decisionLocked(id string) DeviceDecision {
	switch {
	case r.isDenied(id):
		return DeviceDecision{Status: DeviceDenied, Message: "device is not permitted"}
	case r.isApproved(id):
		return DeviceDecision{Status: DeviceApproved, Agent: r.agentID}
	default:
		return DeviceDecision{
			Status:           DevicePending,
			Message:          "awaiting approval",
			PollAfterSeconds: r.pollAfter,
		}
	}
}

// Lookup returns a copy of the stored device, if any.
func (r *DeviceRegistry) Lookup(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[strings.TrimSpace(deviceID)]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Approved reports whether a device may open managed-AV sessions.
func (r *DeviceRegistry) Approved(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isApproved(strings.TrimSpace(deviceID))
}

// Len returns the number of devices seen so far.
func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *DeviceRegistry) isApproved(id string) bool {
	if _, denied := r.denylist[id]; denied {
		return false
	}
	if len(r.greenlist) == 0 {
		return true
	}
	_, ok := r.greenlist[id]
	return ok
}

func (r *DeviceRegistry) isDenied(id string) bool {
	_, ok := r.denylist[id]
	return ok
}
