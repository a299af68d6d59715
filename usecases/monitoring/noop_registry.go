//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import "github.com/prometheus/client_golang/prometheus"

var noop prometheus.Registerer = &noopRegistry{}

// NoopPrometheusRegistry returns a registerer that accepts every collector
// and exposes none. It is used when monitoring is disabled and by tools that
// open segments for a single command.
func NoopPrometheusRegistry() prometheus.Registerer {
	return noop
}

type noopRegistry struct{}

func (n *noopRegistry) Register(prometheus.Collector) error {
	return nil
}

func (n *noopRegistry) MustRegister(...prometheus.Collector) {
}

func (n *noopRegistry) Unregister(prometheus.Collector) bool {
	return true
}
