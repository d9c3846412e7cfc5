// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"time"

	"github.com/AleutianAI/MendFOSS/services/healer/telemetry"
)

// tracingShutdown is set when --trace arms the stdout exporter.
var tracingShutdown func(context.Context) error

// initTracing sets up span export to stdout when --trace is set.
func initTracing(ctx context.Context) error {
	if !traceStdout {
		return nil
	}
	tcfg := telemetry.DefaultConfig()
	tcfg.Exporter = "stdout"
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	tracingShutdown = shutdown
	return nil
}

// shutdownTracing flushes any pending spans.
func shutdownTracing() error {
	if tracingShutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tracingShutdown(ctx)
}
