package app

import (
	"strings"
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	if got := ParseCommand(nil); got != CommandServe {
		t.Errorf("ParseCommand(nil) = %q, want %q", got, CommandServe)
	}
}

func TestParseCommand_KnownCommands(t *testing.T) {
	tests := []struct {
		arg  string
		want Command
	}{
		{"serve", CommandServe},
		{"worker", CommandWorker},
		{"sender", CommandSender},
		{"migrate", CommandMigrate},
		{"check", CommandCheck},
		{"vapid-keys", CommandVAPIDKeys},
		{"healthcheck", CommandHealthcheck},
	}
	for _, tt := range tests {
		if got := ParseCommand([]string{tt.arg}); got != tt.want {
			t.Errorf("ParseCommand(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestParseCommand_UnknownDefaultsToServe(t *testing.T) {
	if got := ParseCommand([]string{"unknown"}); got != CommandServe {
		t.Errorf("ParseCommand(unknown) = %q, want %q", got, CommandServe)
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	if got := ParseCommand([]string{"worker", "--verbose"}); got != CommandWorker {
		t.Errorf("ParseCommand = %q, want %q", got, CommandWorker)
	}
}

func TestCommand_NeedsConfig(t *testing.T) {
	tests := []struct {
		cmd  Command
		want bool
	}{
		{CommandServe, true},
		{CommandWorker, true},
		{CommandSender, true},
		{CommandMigrate, true},
		{CommandCheck, true},
		{CommandVAPIDKeys, false},
		{CommandHealthcheck, false},
	}
	for _, tt := range tests {
		if got := tt.cmd.needsConfig(); got != tt.want {
			t.Errorf("%q.needsConfig() = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestParseMigrateAction(t *testing.T) {
	tests := []struct {
		args    []string
		want    MigrateAction
		wantErr bool
	}{
		{[]string{"migrate"}, MigrateUp, false},
		{[]string{"migrate", "up"}, MigrateUp, false},
		{[]string{"migrate", "down"}, MigrateDown, false},
		{[]string{"migrate", "version"}, MigrateVersion, false},
		{[]string{"migrate", "drop"}, "", true},
	}
	for _, tt := range tests {
		got, err := ParseMigrateAction(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMigrateAction(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMigrateAction(%v) = %q, want %q", tt.args, got, tt.want)
		}
		if err != nil && !strings.Contains(err.Error(), "drop") {
			t.Errorf("error should name the action: %v", err)
		}
	}
}
