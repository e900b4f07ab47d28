package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/matheus3301/lcsync/internal/config"
)

const (
	DefaultAccount = "main"
	// AccountEnv selects the account when no flag is given.
	AccountEnv = "LCSYNC_ACCOUNT"
)

var accountName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot be used as a directory component.
func ValidateName(name string) error {
	if !accountName.MatchString(name) {
		return fmt.Errorf("invalid account name %q: use 1-64 of a-z, 0-9, '_' or '-'", name)
	}
	return nil
}

// Resolve picks the active account from, in order, the flag, $LCSYNC_ACCOUNT,
// default_account in config.toml and "main". The result is validated.
func Resolve(flag string) (string, error) {
	name := flag
	if name == "" {
		name = os.Getenv(AccountEnv)
	}
	if name == "" {
		if cfg, err := config.Load(ConfigPath()); err == nil {
			name = cfg.DefaultAccount
		}
	}
	if name == "" {
		name = DefaultAccount
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// Accounts lists the account directories present under the base directory.
func Accounts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "accounts"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && accountName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
