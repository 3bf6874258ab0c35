package config

import (
	"encoding/json"
	"regexp"

	"github.com/cockroachdb/errors"
)

const (
	PartitionerKDTree = "kdtree"
	PartitionerGrid   = "grid"

	AllocatorRandom         = "random"
	AllocatorLowUtilization = "lowutilization"
	AllocatorCapacity       = "capacity"
)

var groupNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// GroupConfig describes one distribution group. It is written once when
// the group is created and never changed afterwards.
type GroupConfig struct {
	Name              string `json:"name" yaml:"name"`
	Dimensions        int    `json:"dimensions" yaml:"dimensions"`
	ReplicationFactor int    `json:"replicationFactor" yaml:"replication_factor"`
	// MinRegionSize and MaxRegionSize are byte thresholds for merge and split.
	MinRegionSize     int64  `json:"minRegionSize" yaml:"min_region_size"`
	MaxRegionSize     int64  `json:"maxRegionSize" yaml:"max_region_size"`
	Partitioner       string `json:"partitioner" yaml:"partitioner"`
	PartitionerConfig string `json:"partitionerConfig" yaml:"partitioner_config"`
	Allocator         string `json:"allocator" yaml:"allocator"`
}

// NewGroupConfig returns a config with the defaults used when a group is
// created without explicit settings.
func NewGroupConfig(name string, dimensions int) GroupConfig {
	return GroupConfig{
		Name:              name,
		Dimensions:        dimensions,
		ReplicationFactor: 1,
		MinRegionSize:     64 << 20,
		MaxRegionSize:     256 << 20,
		Partitioner:       PartitionerKDTree,
		Allocator:         AllocatorLowUtilization,
	}
}

func (c GroupConfig) Validate() error {
	if !groupNamePattern.MatchString(c.Name) {
		return errors.Newf("invalid group name %q: only letters and digits are allowed", c.Name)
	}
	if c.Dimensions <= 0 {
		return errors.Newf("group %s: dimensions must be positive, got %d", c.Name, c.Dimensions)
	}
	if c.ReplicationFactor <= 0 {
		return errors.Newf("group %s: replication factor must be positive, got %d", c.Name, c.ReplicationFactor)
	}
	if c.MinRegionSize < 0 || c.MaxRegionSize <= 0 {
		return errors.Newf("group %s: region size thresholds must be positive", c.Name)
	}
	if c.MinRegionSize >= c.MaxRegionSize {
		return errors.Newf("group %s: min region size %d must be below max region size %d",
			c.Name, c.MinRegionSize, c.MaxRegionSize)
	}
	if c.Partitioner == "" {
		return errors.Newf("group %s: no partitioner configured", c.Name)
	}
	if c.Allocator == "" {
		return errors.Newf("group %s: no allocator configured", c.Name)
	}
	return nil
}

func (c GroupConfig) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "encode group config %s", c.Name)
	}
	return data, nil
}

func UnmarshalGroupConfig(data []byte) (GroupConfig, error) {
	var c GroupConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return GroupConfig{}, errors.Wrap(err, "decode group config")
	}
	return c, nil
}
