package graphrelay

import (
	"errors"
	"testing"
)

func TestValidateNotificationBatch(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "valid change batch",
			body: `{"value":[{"subscriptionId":"s1","clientState":"secret","changeType":"created","resourceData":{"id":"m1"}}]}`,
		},
		{
			name: "valid lifecycle batch",
			body: `{"value":[{"subscriptionId":"s1","clientState":"secret","lifecycleEvent":"subscriptionRemoved"}]}`,
		},
		{
			name: "empty batch",
			body: `{"value":[]}`,
		},
		{
			name:    "missing value",
			body:    `{"items":[]}`,
			wantErr: true,
		},
		{
			name:    "value not an array",
			body:    `{"value":{"subscriptionId":"s1"}}`,
			wantErr: true,
		},
		{
			name:    "item without subscriptionId",
			body:    `{"value":[{"clientState":"secret","changeType":"created"}]}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `value=1`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateNotificationBatch([]byte(tc.body))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
