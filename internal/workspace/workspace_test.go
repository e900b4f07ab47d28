package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/lcsync/internal/config"
)

func TestPathsFollowHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	tests := []struct {
		got, want string
	}{
		{AccountDir("main"), filepath.Join(base, "accounts", "main")},
		{SocketPath("main"), filepath.Join(base, "accounts", "main", "daemon.sock")},
		{DBPath("main"), filepath.Join(base, "accounts", "main", "lcchat.db")},
		{SessionPath("main"), filepath.Join(base, "accounts", "main", "session.json")},
		{LogPath("main"), filepath.Join(base, "accounts", "main", "logs", "lcsyncd.log")},
		{ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestBaseDirDefault(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".lcsync"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolveOrder(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(AccountEnv, "")

	resolve := func(flag string) string {
		t.Helper()
		name, err := Resolve(flag)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", flag, err)
		}
		return name
	}

	if got := resolve(""); got != DefaultAccount {
		t.Errorf("no config: got %q, want %q", got, DefaultAccount)
	}
	if err := config.Save(ConfigPath(), &config.Config{DefaultAccount: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := resolve(""); got != "work" {
		t.Errorf("config default: got %q", got)
	}
	t.Setenv(AccountEnv, "alt")
	if got := resolve(""); got != "alt" {
		t.Errorf("env: got %q", got)
	}
	if got := resolve("flag"); got != "flag" {
		t.Errorf("flag: got %q", got)
	}
	if _, err := Resolve("Bad/Name"); err == nil {
		t.Error("invalid flag accepted")
	}
}

func TestAccountsListsDirectories(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	names, err := Accounts()
	if err != nil || len(names) != 0 {
		t.Fatalf("empty home: %v, %v", names, err)
	}
	for _, a := range []string{"work", "main"} {
		if err := EnsureDir(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(BaseDir(), "accounts", "stray.txt"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	names, err = Accounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "main" || names[1] != "work" {
		t.Errorf("Accounts() = %v", names)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-account", false},
		{"valid with underscore", "my_account", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.account", true},
		{"slash", "../etc", true},
		{"too long", string(make([]byte, 65)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
