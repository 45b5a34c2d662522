package config

import "testing"

func TestResolveURLForDocker_NotInDocker(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"http://mymodel.example.com:8000", "http://mymodel.example.com:8000"},
		{"http://192.168.1.100:8000", "http://192.168.1.100:8000"},
	}

	for _, tt := range tests {
		result := ResolveURLForDocker(tt.input)
		if IsRunningInDocker() {
			continue // covered by the localhost-variant case below
		}
		if result != tt.expected {
			t.Errorf("ResolveURLForDocker(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestResolveURLForDocker_LocalhostVariants(t *testing.T) {
	for _, raw := range []string{"http://localhost:8000", "http://127.0.0.1:8000"} {
		result := ResolveURLForDocker(raw)
		if IsRunningInDocker() {
			if result == raw {
				t.Errorf("ResolveURLForDocker(%q) in Docker was left unchanged", raw)
			}
		} else if result != raw {
			t.Errorf("ResolveURLForDocker(%q) not in Docker = %q, want unchanged", raw, result)
		}
	}
}
