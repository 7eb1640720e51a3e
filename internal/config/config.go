// Package config loads the pipeline's YAML configuration, following
// References/orion-prototipe/internal/config's Load/Validate pipeline:
// read file, unmarshal with gopkg.in/yaml.v3, validate, return.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pipeline configuration: the memory pool, one or
// more equipment instances, the aggregator, and the stats consumer.
type Config struct {
	Pool       PoolConfig        `yaml:"pool"`
	Equipments []EquipmentConfig `yaml:"equipments"`
	Aggregator AggregatorConfig  `yaml:"aggregator"`
	Consumer   ConsumerConfig    `yaml:"consumer"`
}

// PoolConfig configures the shared memory pool.
type PoolConfig struct {
	Capacity int `yaml:"capacity"`
	PageSize int `yaml:"page_size"`
}

// EquipmentConfig configures one readout equipment instance, field names
// matching SPEC_FULL.md's Configuration keys table.
type EquipmentConfig struct {
	EquipmentID                 uint16  `yaml:"equipment_id"`
	ChannelNumber               int     `yaml:"channel_number"`
	FreePageQueueCapacity       int     `yaml:"free_page_queue_capacity"`
	OutputQueueCapacity         int     `yaml:"output_queue_capacity"`
	RdhCheckEnabled             bool    `yaml:"rdh_check_enabled"`
	RdhDumpMode                 string  `yaml:"rdh_dump_mode"` // never, always, on_error
	RdhUseFirstInPageEnabled    bool    `yaml:"rdh_use_first_in_page_enabled"`
	CleanPageBeforeUse          bool    `yaml:"clean_page_before_use"`
	FirmwareCheckEnabled        bool    `yaml:"firmware_check_enabled"`
	DebugStatsEnabled           bool    `yaml:"debug_stats_enabled"`
	TFPeriod                    uint32  `yaml:"tf_period"`
	PacketDroppedAuditIntervalS float64 `yaml:"packet_dropped_audit_interval_s"`
	StopOnError                 bool    `yaml:"stop_on_error"`
}

// AggregatorConfig configures the aggregator worker.
type AggregatorConfig struct {
	OutputQueueCapacity int     `yaml:"output_queue_capacity"`
	SliceTimeoutS       float64 `yaml:"slice_timeout_s"`
	DisableSlicing      bool    `yaml:"disable_slicing"`
}

// ConsumerConfig configures the stats consumer.
type ConsumerConfig struct {
	PublishIntervalS float64 `yaml:"publish_interval_s"`
}

// PacketDroppedAuditInterval converts the configured seconds to a
// time.Duration.
func (e EquipmentConfig) PacketDroppedAuditInterval() time.Duration {
	return time.Duration(e.PacketDroppedAuditIntervalS * float64(time.Second))
}

// SliceTimeout converts the configured seconds to a time.Duration.
func (a AggregatorConfig) SliceTimeout() time.Duration {
	return time.Duration(a.SliceTimeoutS * float64(time.Second))
}

// PublishInterval converts the configured seconds to a time.Duration.
func (c ConsumerConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalS * float64(time.Second))
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}
