package oidc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiresIn(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{name: "json number", value: float64(1800), want: 1800 * time.Second},
		{name: "form integer", value: int64(300), want: 300 * time.Second},
		{name: "json.Number", value: json.Number("60"), want: time.Minute},
		{name: "string", value: "120", want: 2 * time.Minute},
		{name: "absent", value: nil, want: 0},
		{name: "negative", value: float64(-5), want: 0},
		{name: "garbage", value: "soon", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expiresIn(tt.value))
		})
	}
}
