// Package config loads the doppler configuration file.
//
// # Overview
//
// The configuration is a YAML document, doppler.yaml by default, read over
// DefaultConfig so that a file only needs the keys it changes. Unknown keys
// are rejected. Load validates the result with validator struct tags and
// then checks the rules that span fields, such as the gateway and address
// seed lying inside the subnet.
//
// # Example
//
//	network:
//	  name: doppler
//	  subnet: 10.5.0.0/16
//	  gateway: 10.5.0.1
//	  port_seed: 9089
//	  ip_seed: 10.5.0.2
//	compose:
//	  path: doppler-cluster.yaml
//	  docker_command: docker compose
//	  startup_wait: 6s
//	lnd:
//	  control_plane: rest
//	remote:
//	  host: 192.168.1.20
//	  user: ops
//	  auth: key
//	  work_dir: /srv/doppler
//	telemetry:
//	  events:
//	    mqtt:
//	      broker: tcp://localhost:1883
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	state, err := engine.NewClusterState(logger,
//	    engine.WithSettings(cfg.Settings()),
//	    engine.WithDefaultImages(cfg.ImageMap()),
//	)
package config
