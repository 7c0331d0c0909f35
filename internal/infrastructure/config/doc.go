// Package config handles loading and validating mqttstream configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//   - Conversion of the mqtt section into mqtt.Options
//
// Security Considerations:
//   - Sensitive values (broker password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/mqttstream.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mqtt.New(cfg.MQTT.Options())
package config
