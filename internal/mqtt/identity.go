package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tallow/seneschal/internal/buildinfo"
)

// DeviceInfo is the Home Assistant device registry block every
// discovery payload repeats. HA groups entities that share it under
// one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is an HA MQTT sensor discovery payload, published
// retained on every broker (re-)connect. Fields group into entity
// identity, the topics the entity reads, and presentation hints.
type SensorConfig struct {
	Name          string `json:"name"`
	ObjectID      string `json:"object_id,omitempty"`
	UniqueID      string `json:"unique_id"`
	HasEntityName bool   `json:"has_entity_name,omitempty"`

	StateTopic          string `json:"state_topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	JsonAttributesTopic string `json:"json_attributes_topic,omitempty"`

	Icon           string `json:"icon,omitempty"`
	ValueTemplate  string `json:"value_template,omitempty"`
	StateClass     string `json:"state_class,omitempty"`
	EntityCategory string `json:"entity_category,omitempty"`

	Device DeviceInfo `json:"device"`
}

// NewDeviceInfo builds the device block. instanceID is the primary HA
// identifier and survives renames, so entity history outlives
// reconfiguration; name is what the HA UI shows.
func NewDeviceInfo(instanceID, name string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         name,
		Manufacturer: "Tallow",
		Model:        "Seneschal",
		SWVersion:    buildinfo.Version,
	}
}

// EnsureInstanceID returns the persistent instance ID stored in
// dataDir, minting and saving a UUIDv7 on first run. The ID must
// never change once issued; it anchors the HA device identity.
func EnsureInstanceID(dataDir string) (string, error) {
	file := filepath.Join(dataDir, "instance_id")

	if raw, err := os.ReadFile(file); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	fresh, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint instance id: %w", err)
	}
	id := fresh.String()
	if err := os.WriteFile(file, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("store instance id at %s: %w", file, err)
	}
	return id, nil
}
