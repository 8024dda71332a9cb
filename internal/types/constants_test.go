package types

import (
	"testing"
)

func TestChannelValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Channel
		wantErr bool
	}{
		{"stable valid", ChannelStable, false},
		{"beta valid", ChannelBeta, false},
		{"nightly valid", ChannelNightly, false},
		{"empty invalid", "", true},
		{"invalid value", "canary", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Channel.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Channel
		wantErr bool
	}{
		{"stable lowercase", "stable", ChannelStable, false},
		{"beta uppercase", "BETA", ChannelBeta, false},
		{"nightly padded", " nightly ", ChannelNightly, false},
		{"empty", "", "", true},
		{"invalid", "edge", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseChannel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseChannel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChannelAccepts(t *testing.T) {
	tests := []struct {
		subscriber Channel
		release    Channel
		want       bool
	}{
		{ChannelStable, ChannelStable, true},
		{ChannelStable, ChannelBeta, false},
		{ChannelStable, ChannelNightly, false},
		{ChannelBeta, ChannelStable, true},
		{ChannelBeta, ChannelBeta, true},
		{ChannelBeta, ChannelNightly, false},
		{ChannelNightly, ChannelStable, true},
		{ChannelNightly, ChannelNightly, true},
		{ChannelNightly, "bogus", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.subscriber)+"/"+string(tt.release), func(t *testing.T) {
			if got := tt.subscriber.Accepts(tt.release); got != tt.want {
				t.Errorf("%s.Accepts(%s) = %v, want %v", tt.subscriber, tt.release, got, tt.want)
			}
		})
	}
}

func TestLockTypeFilename(t *testing.T) {
	tests := []struct {
		l    LockType
		want string
	}{
		{LockMigration, "migration.lock"},
		{LockBackup, "backup.lock"},
		{LockServe, "serve.lock"},
		{LockUpdate, "update.lock"},
		{LockBranchPreview, "branch_preview.lock"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.l.Filename(); got != tt.want {
				t.Errorf("LockType.Filename() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLockType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    LockType
		wantErr bool
	}{
		{"update", "update", LockUpdate, false},
		{"uppercase", "MIGRATION", LockMigration, false},
		{"dashed", "branch-preview", LockBranchPreview, false},
		{"underscore", "branch_preview", LockBranchPreview, false},
		{"empty", "", "", true},
		{"invalid", "deploy", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLockType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLockType() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseLockType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLockTypeDescription(t *testing.T) {
	for _, l := range AllLockTypes() {
		if l.Description() == "" || l.Description() == string(l) {
			t.Errorf("LockType %s has no description", l)
		}
	}
}

func TestAllLockTypes(t *testing.T) {
	all := AllLockTypes()
	if len(all) != 5 {
		t.Errorf("AllLockTypes() returned %d types, want 5", len(all))
	}
	for _, l := range all {
		if err := l.Validate(); err != nil {
			t.Errorf("AllLockTypes() contains invalid type %s: %v", l, err)
		}
	}
}

func TestStatusKindValidate(t *testing.T) {
	for _, k := range AllStatusKinds() {
		if err := k.Validate(); err != nil {
			t.Errorf("StatusKind(%s).Validate() error = %v", k, err)
		}
	}
	if err := StatusKind("").Validate(); err == nil {
		t.Error("empty StatusKind should be invalid")
	}
	if err := StatusKind("paused").Validate(); err == nil {
		t.Error("unknown StatusKind should be invalid")
	}
}

func TestStatusKindIsTerminal(t *testing.T) {
	if !StatusFailed.IsTerminal() || !StatusRolledBack.IsTerminal() {
		t.Error("failed and rolled_back should be terminal")
	}
	if StatusIdle.IsTerminal() || StatusDownloading.IsTerminal() {
		t.Error("idle and downloading should not be terminal")
	}
}
