package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/agentfleet/internal/kv"
)

// InstanceKeyPrefix is where instance records live in the key/value store.
const InstanceKeyPrefix = "/agentfleet/instances/"

// Instance is one VM as reported by the inventory.
type Instance struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id,omitempty"`
	Name         string            `json:"name,omitempty"`
	AgentType    string            `json:"agent_type,omitempty"`
	InstanceType string            `json:"instance_type,omitempty"`
	State        string            `json:"state"`
	Host         string            `json:"host"`
	Port         int               `json:"port,omitempty"`
	User         string            `json:"user,omitempty"`
	Unit         string            `json:"unit,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CPUPercent   *float64          `json:"cpu_percent,omitempty"`
	MemPercent   *float64          `json:"memory_percent,omitempty"`
	DiskPercent  *float64          `json:"disk_percent,omitempty"`
	LaunchedAt   time.Time         `json:"launched_at,omitempty"`
}

// Inventory lists the VMs hosting agents.
type Inventory interface {
	Instances(ctx context.Context) ([]Instance, error)
	Instance(ctx context.Context, id string) (Instance, error)
}

// KVInventory reads instance records stored as JSON under InstanceKeyPrefix.
type KVInventory struct {
	store  kv.Store
	logger zerolog.Logger
}

// NewKVInventory creates an inventory over store.
func NewKVInventory(store kv.Store, logger zerolog.Logger) *KVInventory {
	return &KVInventory{store: store, logger: logger}
}

// Instances implements Inventory. Malformed records are skipped.
func (i *KVInventory) Instances(ctx context.Context) ([]Instance, error) {
	entries, err := i.store.List(ctx, InstanceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		var inst Instance
		if err := json.Unmarshal(e.Value, &inst); err != nil {
			i.logger.Warn().Err(err).Str("key", e.Key).Msg("skipping malformed instance record")
			continue
		}
		if inst.ID == "" {
			inst.ID = strings.TrimPrefix(e.Key, InstanceKeyPrefix)
		}
		out = append(out, inst)
	}
	return out, nil
}

// Instance implements Inventory.
func (i *KVInventory) Instance(ctx context.Context, id string) (Instance, error) {
	instances, err := i.Instances(ctx)
	if err != nil {
		return Instance{}, err
	}
	for _, inst := range instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("instance %s not found", id)
}
