package flagx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	clientFlags := []string{"-a", "-g", "-d", "-t", "-b", "-l"}

	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "keeps client flags and drops config flags",
			args:    []string{"-c", "conf.json", "-a", "http://fleet:8080", "-b", "redis"},
			allowed: clientFlags,
			want:    []string{"-a", "http://fleet:8080", "-b", "redis"},
		},
		{
			name:    "equals form",
			args:    []string{"-t=2m", "--config=alt.json"},
			allowed: clientFlags,
			want:    []string{"-t=2m"},
		},
		{
			name:    "equals form whose value starts with a dash",
			args:    []string{"--config=--odd.json"},
			allowed: []string{"--config"},
			want:    []string{"--config=--odd.json"},
		},
		{
			name:    "dangling flag at the end",
			args:    []string{"-d"},
			allowed: clientFlags,
			want:    []string{"-d"},
		},
		{
			name:    "next dash token is not a value",
			args:    []string{"-l", "-d", "/var/lib/fleet"},
			allowed: clientFlags,
			want:    []string{"-l", "-d", "/var/lib/fleet"},
		},
		{
			name:    "repeated flag keeps order",
			args:    []string{"-g", "a:1", "-g", "b:2"},
			allowed: clientFlags,
			want:    []string{"-g", "a:1", "-g", "b:2"},
		},
		{
			name:    "positional and unknown ignored",
			args:    []string{"serve", "-x", "1"},
			allowed: clientFlags,
			want:    []string{},
		},
		{
			name:    "nil args",
			allowed: clientFlags,
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterArgs(tt.args, tt.allowed))
		})
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "short -c with value", args: []string{"-c", "/path/short.json"}, want: "/path/short.json"},
		{name: "long -config with value", args: []string{"-config", "/path/long.json"}, want: "/path/long.json"},
		{name: "double dash with equals", args: []string{"--config=/path/eq.json", "-a", "x"}, want: "/path/eq.json"},
		{name: "unknown flags are ignored", args: []string{"-x", "1", "-y", "2"}, want: ""},
		{name: "multiple flags, last wins", args: []string{"-c", "/path/1.json", "-config", "/path/2.json"}, want: "/path/2.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConfigPath(tt.args))
		})
	}
}
