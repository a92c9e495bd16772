// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package console

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlain(&buf)
	p.UsingSeed(42)
	p.ValidationResults(3, []Result{{"total_loss", 3.14159}, {"nll", 2.5}})
	p.EpochDone(3, 1500*time.Millisecond)
	assert.Equal(t, "Using seed: 42\n"+
		"Validation Results - Epoch: 3 total_loss: 3.14, nll: 2.50\n"+
		"Epoch 3 done. Time per batch: 1.500[s]\n", buf.String())
}

func TestNewOnBuffer(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.UsingSeed(7)
	assert.Equal(t, "Using seed: 7\n", buf.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "15.50ms", FormatDuration(15500*time.Microsecond))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
}

func TestMeanDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), MeanDuration(nil))
	assert.Equal(t, 2*time.Second, MeanDuration([]time.Duration{time.Second, 3 * time.Second}))
}
