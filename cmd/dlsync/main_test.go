package main

import (
	"reflect"
	"testing"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{
			name:  "empty",
			pairs: nil,
			want:  map[string]string{},
		},
		{
			name:  "simple pairs",
			pairs: []string{"mood=good", "sleep=7h"},
			want:  map[string]string{"mood": "good", "sleep": "7h"},
		},
		{
			name:  "value with equals",
			pairs: []string{"note=a=b"},
			want:  map[string]string{"note": "a=b"},
		},
		{
			name:  "empty value",
			pairs: []string{"note="},
			want:  map[string]string{"note": ""},
		},
		{
			name:  "last duplicate wins",
			pairs: []string{"mood=bad", "mood=good"},
			want:  map[string]string{"mood": "good"},
		},
		{
			name:    "missing equals",
			pairs:   []string{"mood"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=x"},
			wantErr: true,
		},
		{
			name:    "date field",
			pairs:   []string{"date=2024-01-01"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFields(%v) error = %v, wantErr %v", tt.pairs, err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseFields(%v) = %v, want %v", tt.pairs, got, tt.want)
			}
		})
	}
}

func TestNewAppCommands(t *testing.T) {
	app := newApp()
	want := []string{"version", "log", "pending", "status", "sync", "setting", "cache", "serve", "trigger", "run"}
	for _, name := range want {
		if app.Command(name) == nil {
			t.Errorf("command %q not registered", name)
		}
	}
}
