/*
 * Copyright 2026 OpenCard Lab.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle bootstraps process-wide concerns for the bridge
// binaries.
package lifecycle

import (
	"fmt"

	"github.com/opencardlab/scbridge/pkg/logger"
)

// CreateLogger creates a new logger instance with the provided
// configuration. This returns a logger that can be injected into
// components.
func CreateLogger(config *logger.Config) (logger.Logger, error) {
	log, err := logger.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return log, nil
}

// CreateComponentLogger creates a logger tagged with a component name.
func CreateComponentLogger(component string, config *logger.Config) (logger.Logger, error) {
	log, err := logger.NewWithComponent(component, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return log, nil
}
