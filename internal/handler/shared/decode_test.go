package shared

import (
	"testing"
)

func TestDecode(t *testing.T) {
	type SimulateParams struct {
		UserID      string   `json:"user_id"`
		RequestType string   `json:"request_type"`
		Count       int      `json:"count"`
		Tags        []string `json:"tags"`
	}

	tests := []struct {
		name    string
		input   map[string]any
		want    SimulateParams
		wantErr bool
	}{
		{
			name: "valid map",
			input: map[string]any{
				"user_id":      "u1",
				"request_type": "fast",
				"count":        3,
				"tags":         []any{"load", "smoke"},
			},
			want: SimulateParams{
				UserID:      "u1",
				RequestType: "fast",
				Count:       3,
				Tags:        []string{"load", "smoke"},
			},
		},
		{
			// JSON 숫자는 float64로 도착하므로 약한 타입 변환이 필요하다.
			name: "float count",
			input: map[string]any{
				"user_id": "u1",
				"count":   4.0,
			},
			want: SimulateParams{UserID: "u1", Count: 4},
		},
		{
			name:  "empty map",
			input: map[string]any{},
			want:  SimulateParams{},
		},
		{
			name: "missing fields",
			input: map[string]any{
				"user_id": "u1",
			},
			want: SimulateParams{UserID: "u1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got SimulateParams
			err := Decode(tt.input, &got)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if got.UserID != tt.want.UserID {
				t.Errorf("UserID = %v, want %v", got.UserID, tt.want.UserID)
			}
			if got.RequestType != tt.want.RequestType {
				t.Errorf("RequestType = %v, want %v", got.RequestType, tt.want.RequestType)
			}
			if got.Count != tt.want.Count {
				t.Errorf("Count = %v, want %v", got.Count, tt.want.Count)
			}
			if len(got.Tags) != len(tt.want.Tags) {
				t.Errorf("Tags len = %v, want %v", len(got.Tags), len(tt.want.Tags))
			}
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	type Simple struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
	}{
		{
			name:    "valid",
			input:   map[string]any{"name": "test"},
			wantErr: false,
		},
		{
			name:    "unknown field",
			input:   map[string]any{"name": "test", "unknown": "value"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Simple
			err := DecodeStrict(tt.input, &got)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeStrict() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
