package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"Warning", SeverityWarning},
		{"warning", SeverityWarning},
		{"WARN", SeverityWarning},
		{"Error", SeverityError},
		{"Critical", SeverityCritical},
		{"blocker", SeverityCritical},
		{"Info", SeverityInfo},
		{" informational ", SeverityInfo},
		{"sev1", SeverityInfo},
		{"", SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSeverity(tt.in))
		})
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"Security", CategorySecurity},
		{"performance", CategoryPerformance},
		{"perf", CategoryPerformance},
		{"Style", CategoryStyle},
		{"bug", CategoryBug},
		{"correctness", CategoryBug},
		{"docs", CategoryDocumentation},
		{"Quality", CategoryQuality},
		{"maintainability", CategoryQuality},
		{"something-new", CategoryQuality},
		{"", CategoryQuality},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCategory(tt.in))
		})
	}
}
