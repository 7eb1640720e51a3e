package config

import "fmt"

// Validate checks a Config for the constraints the pipeline relies on:
// a non-empty, non-growing pool, at least one equipment, and sane
// capacities. Unlike References/orion-prototipe's Validate (which checks
// camera/model paths), this validates pool/queue sizing since that is
// this module's resource model.
func Validate(cfg *Config) error {
	if cfg.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got %d", cfg.Pool.Capacity)
	}
	if cfg.Pool.PageSize <= 0 {
		return fmt.Errorf("pool.page_size must be positive, got %d", cfg.Pool.PageSize)
	}
	if len(cfg.Equipments) == 0 {
		return fmt.Errorf("at least one equipment must be configured")
	}

	seen := make(map[uint16]bool)
	for _, eq := range cfg.Equipments {
		if seen[eq.EquipmentID] {
			return fmt.Errorf("duplicate equipment_id %d", eq.EquipmentID)
		}
		seen[eq.EquipmentID] = true

		if eq.FreePageQueueCapacity <= 0 {
			return fmt.Errorf("equipment %d: free_page_queue_capacity must be positive", eq.EquipmentID)
		}
		if eq.OutputQueueCapacity <= 0 {
			return fmt.Errorf("equipment %d: output_queue_capacity must be positive", eq.EquipmentID)
		}
		switch eq.RdhDumpMode {
		case "", "never", "always", "on_error":
		default:
			return fmt.Errorf("equipment %d: rdh_dump_mode %q must be one of never/always/on_error", eq.EquipmentID, eq.RdhDumpMode)
		}
	}

	if cfg.Aggregator.OutputQueueCapacity <= 0 {
		return fmt.Errorf("aggregator.output_queue_capacity must be positive")
	}

	return nil
}
